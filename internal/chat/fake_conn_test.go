package chat

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

// fakeConn feeds frames pushed with in() to ReadMessage and records writes.
type fakeConn struct {
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	stalled  bool // writes block until the deadline passes
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) in(frame []byte) { f.inbox <- frame }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.inbox:
		return 1, b, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
	return nil
}

func (f *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.mu.Lock()
	if f.stalled {
		wait := time.Until(f.deadline)
		f.mu.Unlock()
		if f.deadline.IsZero() {
			<-f.closed
			return errors.New("closed")
		}
		select {
		case <-time.After(wait):
			return errors.New("i/o timeout")
		case <-f.closed:
			return errors.New("closed")
		}
	}
	defer f.mu.Unlock()
	f.written = append(f.written, b)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func newTestRelay(t *testing.T, accessKey string) *Relay {
	t.Helper()
	return NewRelay(NewGateway(accessKey), DefaultLimits, zerolog.Nop())
}

// connect registers a client without running its pumps; frames stay in the
// client's queue where drain can read them.
func connect(t *testing.T, r *Relay, device string) *Client {
	t.Helper()
	require.NoError(t, r.Gateway().Authenticate(device, ""))
	c := r.NewClient(device, newFakeConn())
	r.Register(c)
	return c
}

type event struct {
	Name string
	Data json.RawMessage
}

// drain returns every frame currently queued for c.
func drain(t *testing.T, c *Client) []event {
	t.Helper()
	var out []event
	for {
		select {
		case frame := <-c.send:
			c.queued.Add(-int64(len(frame)))
			env, err := protocol.Decode(frame)
			require.NoError(t, err)
			out = append(out, event{Name: env.Event, Data: env.Data})
		default:
			return out
		}
	}
}

func named(events []event, name string) []event {
	var out []event
	for _, e := range events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func decodeAs[T any](t *testing.T, e event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(e.Data, &v))
	return v
}

func frame(t *testing.T, name string, data interface{}) []byte {
	t.Helper()
	b, err := protocol.Encode(name, data)
	require.NoError(t, err)
	return b
}
