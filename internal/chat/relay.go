package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/grouprelay/internal/metrics"
	"github.com/pelusa-v/grouprelay/internal/protocol"
)

// These texts are sent to clients verbatim in message_error.
var (
	ErrInvalidGroupCode  = errors.New("Invalid group code")
	ErrGroupCodeRequired = errors.New("groupCode required")
	ErrInvalidPayload    = errors.New("Invalid payload")
	ErrDirectDisabled    = errors.New("Direct messaging is disabled. Please use group chat with a group code.")
	ErrConnectionClosed  = errors.New("connection closed")
)

// Relay owns the room membership of one server. Construct one per listener;
// there is no package-level state besides metrics.
type Relay struct {
	gateway *Gateway
	rooms   *registry
	limits  Limits
	logger  zerolog.Logger

	newID func() string
	now   func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRelay(gateway *Gateway, limits Limits, logger zerolog.Logger) *Relay {
	return &Relay{
		gateway: gateway,
		rooms:   newRegistry(),
		limits:  limits,
		logger:  logger,
		newID:   func() string { return ulid.Make().String() },
		now:     time.Now,
		clients: map[string]*Client{},
	}
}

func (r *Relay) Gateway() *Gateway {
	return r.gateway
}

// NewClient binds conn to deviceID with the relay's buffer limits.
func (r *Relay) NewClient(deviceID string, conn ConnLike) *Client {
	return NewClient(deviceID, conn, r.limits)
}

// Serve registers c, runs its pumps until the connection ends and then
// unregisters it. It blocks for the lifetime of the connection.
func (r *Relay) Serve(c *Client) {
	r.Register(c)
	defer r.Unregister(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.WritePump()
	}()
	c.ReadPump(r.HandleFrame)
	c.Close()
	wg.Wait()
}

// Register tracks an authenticated connection and puts it in its private
// device room.
func (r *Relay) Register(c *Client) {
	r.mu.Lock()
	r.clients[c.Id] = c
	r.mu.Unlock()

	devRoom := protocol.DeviceRoomID(c.DeviceID)
	r.rooms.join(c, devRoom, func(_ *room, added bool) {
		if added {
			c.addRoom(devRoom)
		}
	})

	metrics.OpenConnections.Inc()
	metrics.ActiveRooms.Set(float64(r.rooms.len()))
	r.logger.Info().Str("device", c.DeviceID).Str("conn", c.Id).Msg("connected")
}

// Unregister drops c from every room and tells the remaining members of each
// group room the new count. Calling it twice is a no-op.
func (r *Relay) Unregister(c *Client) {
	r.mu.Lock()
	_, ok := r.clients[c.Id]
	delete(r.clients, c.Id)
	r.mu.Unlock()
	if !ok {
		return
	}
	c.Close()

	for _, id := range c.Rooms() {
		code, isGroup := protocol.GroupCodeFromRoom(id)
		r.rooms.leave(c, id, func(rm *room) {
			if !isGroup {
				return
			}
			r.broadcastCount(rm, code)
		})
	}

	metrics.OpenConnections.Dec()
	if errors.Is(c.Err(), ErrOutboundOverflow) {
		metrics.OverflowDisconnects.Inc()
	}
	metrics.ActiveRooms.Set(float64(r.rooms.len()))
	r.logger.Info().Str("device", c.DeviceID).Str("conn", c.Id).AnErr("reason", c.Err()).Msg("disconnected")
}

// HandleFrame dispatches one inbound frame. Failures go back to c only.
func (r *Relay) HandleFrame(c *Client, frame []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("device", c.DeviceID).Interface("panic", p).Msg("frame handling failed")
			r.sendError(c, "internal", fmt.Errorf("%v", p))
		}
	}()

	env, err := protocol.Decode(frame)
	if err != nil {
		r.sendError(c, "validation", ErrInvalidPayload)
		return
	}

	switch env.Event {
	case protocol.EventJoinGroup:
		var code string
		if err := json.Unmarshal(env.Data, &code); err != nil {
			r.sendError(c, "validation", ErrInvalidGroupCode)
			return
		}
		_ = r.Join(c, code)

	case protocol.EventSendGroupMessage:
		var p protocol.SendGroupPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				r.sendError(c, "validation", ErrInvalidPayload)
				return
			}
		}
		_, _ = r.SendGroupMessage(c, p)

	case protocol.EventSendMessage:
		_ = r.SendDirectMessage(c)

	default:
		r.logger.Debug().Str("device", c.DeviceID).Str("event", env.Event).Msg("unknown event ignored")
	}
}

// Join puts c in the room of groupCode. The joiner gets group_joined, then the
// whole room gets the new count. Joining twice only re-emits both events.
func (r *Relay) Join(c *Client, groupCode string) error {
	code := protocol.NormalizeGroupCode(groupCode)
	if code == "" {
		r.sendError(c, "validation", ErrInvalidGroupCode)
		return ErrInvalidGroupCode
	}
	if c.Closed() {
		return ErrConnectionClosed
	}
	id := protocol.RoomID(code)

	joined, err := protocol.Encode(protocol.EventGroupJoined, &protocol.JoinedPayload{Room: id, GroupCode: code})
	if err != nil {
		r.sendError(c, "internal", err)
		return err
	}

	var count int
	r.rooms.join(c, id, func(rm *room, added bool) {
		if added {
			c.addRoom(id)
		}
		c.Enqueue(joined)
		count = r.broadcastCount(rm, code)
	})

	metrics.ActiveRooms.Set(float64(r.rooms.len()))
	r.logger.Info().Str("device", c.DeviceID).Str("room", id).Int("count", count).Msg("joined group")
	return nil
}

// broadcastCount sends the current size of rm to all of its members. Callers
// hold rm.mu.
func (r *Relay) broadcastCount(rm *room, code string) int {
	count := rm.size()
	frame, err := protocol.Encode(protocol.EventGroupUserCount, &protocol.CountPayload{
		Room: rm.id, GroupCode: code, Count: count,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("room", rm.id).Msg("encode count")
		return count
	}
	rm.broadcast(frame, nil)
	return count
}

// SendGroupMessage stamps a message from c and fans it out to the room, then
// echoes the same frame to c. The sender need not have joined the room.
// The id is drawn and the frame enqueued under the room lock, so every member
// sees a room's messages in id order.
func (r *Relay) SendGroupMessage(c *Client, p protocol.SendGroupPayload) (*protocol.Message, error) {
	code := protocol.NormalizeGroupCode(p.GroupCode)
	if code == "" {
		r.sendError(c, "validation", ErrGroupCodeRequired)
		return nil, ErrGroupCodeRequired
	}
	typ := p.Type
	if typ == "" {
		typ = protocol.TypeText
	}

	var (
		msg *protocol.Message
		err error
	)
	r.rooms.with(protocol.RoomID(code), func(rm *room) {
		// nothing is sent if the sender is already gone
		if c.Closed() {
			err = ErrConnectionClosed
			return
		}
		msg = &protocol.Message{
			ID:         r.newID(),
			Type:       typ,
			Content:    p.Content,
			FromDevice: c.DeviceID,
			GroupCode:  code,
			Timestamp:  r.now().UTC().Format(protocol.TimestampLayout),
			ClientID:   p.ClientID,
		}
		var frame []byte
		frame, err = protocol.Encode(protocol.EventNewMessage, msg)
		if err != nil {
			msg = nil
			return
		}
		if rm != nil {
			rm.broadcast(frame, c)
		}
		c.Enqueue(frame)
	})
	if err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			r.sendError(c, "internal", err)
		}
		return nil, err
	}

	metrics.MessagesRelayed.Inc()
	r.logger.Debug().Str("device", c.DeviceID).Str("group", code).Str("id", msg.ID).Msg("group message relayed")
	return msg, nil
}

// SendDirectMessage always fails: point-to-point delivery is switched off and
// callers are pointed at group messaging.
func (r *Relay) SendDirectMessage(c *Client) error {
	r.sendError(c, "disabled", ErrDirectDisabled)
	return ErrDirectDisabled
}

// Count returns the live size of the room for groupCode.
func (r *Relay) Count(groupCode string) int {
	return r.rooms.count(protocol.RoomID(groupCode))
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (r *Relay) Stats() Stats {
	r.mu.RLock()
	n := len(r.clients)
	r.mu.RUnlock()
	return Stats{Connections: n, Rooms: r.rooms.len()}
}

func (r *Relay) sendError(c *Client, kind string, err error) {
	metrics.RelayErrors.WithLabelValues(kind).Inc()
	frame, encErr := protocol.Encode(protocol.EventMessageError, &protocol.ErrorPayload{Error: err.Error()})
	if encErr != nil {
		return
	}
	c.Enqueue(frame)
}
