package chat

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

var ErrOutboundOverflow = errors.New("outbound buffer full")

// Limits bound one connection's outbound queue. A connection that cannot keep
// up within these bounds is disconnected.
type Limits struct {
	QueueLen    int           // frames
	BufferBytes int64         // sum of queued frame sizes
	WriteWait   time.Duration // max time one frame write may block
}

// DefaultLimits fits dataURL media frames of tens of megabytes.
var DefaultLimits = Limits{QueueLen: 256, BufferBytes: 64 * 1024 * 1024, WriteWait: 10 * time.Second}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live connection bound to a device identity.
type Client struct {
	Id       string
	DeviceID string
	Conn     ConnLike

	send      chan []byte
	queued    atomic.Int64
	maxQueued int64
	writeWait time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewClient(deviceID string, conn ConnLike, limits Limits) *Client {
	if limits.QueueLen <= 0 {
		limits.QueueLen = DefaultLimits.QueueLen
	}
	if limits.BufferBytes <= 0 {
		limits.BufferBytes = DefaultLimits.BufferBytes
	}
	if limits.WriteWait <= 0 {
		limits.WriteWait = DefaultLimits.WriteWait
	}
	return &Client{
		Id:        uuid.NewString(),
		DeviceID:  deviceID,
		Conn:      conn,
		send:      make(chan []byte, limits.QueueLen),
		maxQueued: limits.BufferBytes,
		writeWait: limits.WriteWait,
		done:      make(chan struct{}),
		rooms:     map[string]struct{}{},
	}
}

// Enqueue hands a frame to the writer without blocking. On overflow the
// connection is closed and false is returned; the caller carries on with the
// other members.
func (c *Client) Enqueue(frame []byte) bool {
	if c.Closed() {
		return false
	}
	n := int64(len(frame))
	if c.queued.Add(n) > c.maxQueued {
		c.queued.Add(-n)
		c.fail(ErrOutboundOverflow)
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.queued.Add(-n)
		c.fail(ErrOutboundOverflow)
		return false
	}
}

// Queued returns the bytes waiting for the writer.
func (c *Client) Queued() int64 {
	return c.queued.Load()
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		_ = c.Conn.Close()
	})
}

// Close stops the writer and closes the underlying connection. Safe to call
// more than once.
func (c *Client) Close() {
	c.fail(nil)
}

// Err reports why the client was closed; nil for an ordinary close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// addRoom records membership; false if already a member.
func (c *Client) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// Rooms returns the rooms this connection joined, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Client) ReadPump(handle func(*Client, []byte)) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		handle(c, data)
	}
}

func (c *Client) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.queued.Add(-int64(len(data)))
			// a peer that stops reading is dropped even when the room is quiet
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		}
	}
}
