package client

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/pelusa-v/grouprelay/internal/protocol"
	"github.com/pelusa-v/grouprelay/internal/store"
)

// LocalStore is the part of the durable store the outbox policy needs.
type LocalStore interface {
	AddMessage(ctx context.Context, groupCode string, msg protocol.Message) error
	AddToOutbox(ctx context.Context, groupCode, content, fromDevice string) (*store.OutboxItem, error)
	GetOutboxByGroup(ctx context.Context, groupCode string) ([]store.OutboxItem, error)
	OutboxGroups(ctx context.Context) ([]string, error)
	RemoveOutboxByID(ctx context.Context, id string) error
}

// Sender is the part of a Session the outbox policy drives.
type Sender interface {
	Connected() bool
	JoinGroup(groupCode string) error
	SendGroupMessage(p protocol.SendGroupPayload) error
}

// Reconciler decides when staged messages are sent and when they leave the
// outbox. Every composed message is staged first; it is removed only when the
// relay's echo carrying its id comes back. While no session is live items just
// stay staged.
type Reconciler struct {
	store    LocalStore
	deviceID string
	limiter  ratelimit.Limiter
	logger   zerolog.Logger

	mu      sync.Mutex
	session Sender
	groups  map[string]struct{}
}

// NewReconciler builds the policy for deviceID. perSecond bounds resends
// during a flush; zero or less means unbounded.
func NewReconciler(st LocalStore, deviceID string, perSecond int, logger zerolog.Logger) *Reconciler {
	limiter := ratelimit.NewUnlimited()
	if perSecond > 0 {
		limiter = ratelimit.New(perSecond)
	}
	return &Reconciler{
		store:    st,
		deviceID: deviceID,
		limiter:  limiter,
		logger:   logger,
		groups:   map[string]struct{}{},
	}
}

func (r *Reconciler) current() Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || !r.session.Connected() {
		return nil
	}
	return r.session
}

// Track remembers groupCode so it is re-joined on every new session, and
// joins it now if a session is live.
func (r *Reconciler) Track(groupCode string) error {
	code := protocol.NormalizeGroupCode(groupCode)
	if code == "" {
		return errors.New("group code is empty")
	}
	r.mu.Lock()
	r.groups[code] = struct{}{}
	r.mu.Unlock()

	if s := r.current(); s != nil {
		return s.JoinGroup(code)
	}
	return nil
}

// Groups returns the tracked group codes, sorted.
func (r *Reconciler) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Compose stages content for groupCode and sends it if a session is live. A
// storage failure is returned and nothing is sent; a send failure is logged
// and the item waits for the next flush.
func (r *Reconciler) Compose(ctx context.Context, groupCode, content string) (*store.OutboxItem, error) {
	code := protocol.NormalizeGroupCode(groupCode)
	item, err := r.store.AddToOutbox(ctx, code, content, r.deviceID)
	if err != nil {
		return nil, err
	}
	if s := r.current(); s != nil {
		if err := r.send(s, item); err != nil {
			r.logger.Warn().Err(err).Str("id", item.ID).Msg("send failed, message stays in outbox")
		}
	}
	return item, nil
}

func (r *Reconciler) send(s Sender, item *store.OutboxItem) error {
	return s.SendGroupMessage(protocol.SendGroupPayload{
		GroupCode: item.GroupCode,
		Type:      protocol.TypeText,
		Content:   item.Content,
		ClientID:  item.ID,
	})
}

// OnConnected adopts s, re-joins every tracked group and flushes the outbox.
// It runs once per fresh session; it is not a polling loop.
func (r *Reconciler) OnConnected(ctx context.Context, s Sender) error {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()

	for _, code := range r.Groups() {
		if err := s.JoinGroup(code); err != nil {
			return errors.WithMessagef(err, "rejoin %s", code)
		}
	}
	return r.Flush(ctx)
}

// OnDisconnected forgets s if it is still the current session.
func (r *Reconciler) OnDisconnected(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == s {
		r.session = nil
	}
}

// Flush resends every staged item, oldest first within each group. It stops at
// the first failure; unsent items remain staged.
func (r *Reconciler) Flush(ctx context.Context) error {
	groups, err := r.store.OutboxGroups(ctx)
	if err != nil {
		return err
	}
	sent := 0
	for _, code := range groups {
		items, err := r.store.GetOutboxByGroup(ctx, code)
		if err != nil {
			return err
		}
		for i := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := r.current()
			if s == nil {
				return ErrNotConnected
			}
			r.limiter.Take()
			if err := r.send(s, &items[i]); err != nil {
				return errors.WithMessagef(err, "resend %s", items[i].ID)
			}
			sent++
		}
	}
	if sent > 0 {
		r.logger.Info().Int("count", sent).Msg("outbox flushed")
	}
	return nil
}

// HandleMessage caches a relayed message. When it is this device's echo of a
// staged item, the item leaves the outbox after the message is cached, so a
// failure in between can only cause a resend, never a loss.
func (r *Reconciler) HandleMessage(ctx context.Context, msg protocol.Message) error {
	if err := r.store.AddMessage(ctx, msg.GroupCode, msg); err != nil {
		return err
	}
	if msg.FromDevice == r.deviceID && store.IsOutboxID(msg.ClientID) {
		if err := r.store.RemoveOutboxByID(ctx, msg.ClientID); err != nil {
			return err
		}
		r.logger.Debug().Str("id", msg.ClientID).Msg("outbox item acknowledged")
	}
	return nil
}
