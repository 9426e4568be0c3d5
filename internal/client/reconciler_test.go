package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/grouprelay/internal/protocol"
	"github.com/pelusa-v/grouprelay/internal/store"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	failSend  bool
	joined    []string
	sent      []protocol.SendGroupPayload
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) JoinGroup(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, code)
	return nil
}

func (f *fakeSender) SendGroupMessage(p protocol.SendGroupPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("write failed")
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = p.Content
	}
	return out
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewReconciler(st, "dev-a", 0, zerolog.Nop()), st
}

func echoOf(p protocol.SendGroupPayload, from string) protocol.Message {
	return protocol.Message{
		ID:         "01HV5Z9X6K3YQ2N7W8R4T1M0PA",
		Type:       p.Type,
		Content:    p.Content,
		FromDevice: from,
		GroupCode:  p.GroupCode,
		Timestamp:  time.Now().UTC().Format(protocol.TimestampLayout),
		ClientID:   p.ClientID,
	}
}

func TestComposeOfflineStagesOnly(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	item, err := r.Compose(ctx, " G1 ", "hello")
	require.NoError(t, err)
	assert.Equal(t, "G1", item.GroupCode)

	pending, err := st.GetOutboxByGroup(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, item.ID, pending[0].ID)
}

func TestComposeOnlineSendsWithOutboxID(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()
	s := &fakeSender{connected: true}
	require.NoError(t, r.OnConnected(ctx, s))

	item, err := r.Compose(ctx, "G1", "hi")
	require.NoError(t, err)

	require.Len(t, s.sent, 1)
	assert.Equal(t, item.ID, s.sent[0].ClientID)
	assert.Equal(t, protocol.TypeText, s.sent[0].Type)
}

func TestEchoRemovesOutboxItem(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	s := &fakeSender{connected: true}
	require.NoError(t, r.OnConnected(ctx, s))

	_, err := r.Compose(ctx, "G1", "hi")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(ctx, echoOf(s.sent[0], "dev-a")))

	pending, err := st.GetOutboxByGroup(ctx, "G1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	cached, err := st.GetMessagesByGroup(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "hi", cached[0].Content)
}

func TestForeignMessageKeepsOutbox(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	item, err := r.Compose(ctx, "G1", "mine")
	require.NoError(t, err)

	// Another device cannot acknowledge our item even with the same client id.
	foreign := echoOf(protocol.SendGroupPayload{GroupCode: "G1", Type: "text", Content: "x", ClientID: item.ID}, "dev-b")
	require.NoError(t, r.HandleMessage(ctx, foreign))

	pending, err := st.GetOutboxByGroup(ctx, "G1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSendFailureLeavesItemStaged(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	s := &fakeSender{connected: true, failSend: true}
	require.NoError(t, r.OnConnected(ctx, s))

	_, err := r.Compose(ctx, "G1", "hi")
	require.NoError(t, err)

	pending, err := st.GetOutboxByGroup(ctx, "G1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOnConnectedRejoinsAndFlushesOldestFirst(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, r.Track("G2"))
	require.NoError(t, r.Track("G1"))
	for _, c := range []string{"one", "two", "three"} {
		_, err := r.Compose(ctx, "G1", c)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	s := &fakeSender{connected: true}
	require.NoError(t, r.OnConnected(ctx, s))

	assert.Equal(t, []string{"G1", "G2"}, s.joined)
	assert.Equal(t, []string{"one", "two", "three"}, s.sentContents())
}

func TestFlushWithoutSessionKeepsItems(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Compose(ctx, "G1", "hi")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Flush(ctx), ErrNotConnected)

	pending, err := st.GetOutboxByGroup(ctx, "G1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOnDisconnectedIgnoresStaleSession(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()
	old := &fakeSender{connected: true}
	fresh := &fakeSender{connected: true}
	require.NoError(t, r.OnConnected(ctx, old))
	require.NoError(t, r.OnConnected(ctx, fresh))

	r.OnDisconnected(old)
	_, err := r.Compose(ctx, "G1", "still online")
	require.NoError(t, err)
	assert.Equal(t, []string{"still online"}, fresh.sentContents())
}

func TestTrackRejectsEmptyCode(t *testing.T) {
	r, _ := newTestReconciler(t)
	assert.Error(t, r.Track("   "))
	assert.Empty(t, r.Groups())
}
