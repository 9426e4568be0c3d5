package chat

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

func TestEnqueueOverflowByCountDisconnects(t *testing.T) {
	conn := newFakeConn()
	c := NewClient("A", conn, Limits{QueueLen: 2, BufferBytes: 1 << 20})

	assert.True(t, c.Enqueue([]byte("1")))
	assert.True(t, c.Enqueue([]byte("2")))
	assert.False(t, c.Enqueue([]byte("3")))

	assert.True(t, c.Closed())
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, c.Err(), ErrOutboundOverflow)
	assert.False(t, c.Enqueue([]byte("4")))
}

func TestEnqueueOverflowByBytesDisconnects(t *testing.T) {
	c := NewClient("A", newFakeConn(), Limits{QueueLen: 100, BufferBytes: 10})

	assert.True(t, c.Enqueue(bytes.Repeat([]byte("x"), 6)))
	assert.Equal(t, int64(6), c.Queued())
	assert.False(t, c.Enqueue(bytes.Repeat([]byte("x"), 6)))
	assert.ErrorIs(t, c.Err(), ErrOutboundOverflow)
}

func TestLargeFrameFitsDefaultBuffer(t *testing.T) {
	c := NewClient("A", newFakeConn(), DefaultLimits)
	media := bytes.Repeat([]byte("a"), 20*1024*1024)

	assert.True(t, c.Enqueue(media))
	assert.Nil(t, c.Err())
}

func TestWritePumpDrainsQueue(t *testing.T) {
	conn := newFakeConn()
	c := NewClient("A", conn, DefaultLimits)
	go c.WritePump()
	defer c.Close()

	require.True(t, c.Enqueue([]byte("one")))
	require.True(t, c.Enqueue([]byte("two")))

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.written) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), c.Queued())
}

func TestStalledMemberDoesNotBlockRoom(t *testing.T) {
	r := newTestRelay(t, "")
	slow := NewClient("slow", newFakeConn(), Limits{QueueLen: 3, BufferBytes: 1 << 20})
	r.Register(slow)
	a := connect(t, r, "A")
	require.NoError(t, r.Join(slow, "G"))
	require.NoError(t, r.Join(a, "G"))
	drain(t, a)

	// slow never drains: joined + two counts already fill its queue
	for i := 0; i < 5; i++ {
		_, err := r.SendGroupMessage(a, protocol.SendGroupPayload{GroupCode: "G", Content: "x"})
		require.NoError(t, err)
	}

	assert.True(t, slow.Closed())
	assert.Len(t, named(drain(t, a), protocol.EventNewMessage), 5)

	// the dropped member leaves through the usual disconnect path
	r.Unregister(slow)
	assert.Equal(t, 1, r.Count("G"))
}

func TestWritePumpDropsPeerThatStopsReading(t *testing.T) {
	conn := newFakeConn()
	conn.stalled = true
	c := NewClient("A", conn, Limits{WriteWait: 50 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WritePump()
	}()

	// one frame in a quiet room never overflows the queue
	require.True(t, c.Enqueue([]byte("hello")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer stayed blocked on a stalled peer")
	}
	assert.True(t, c.Closed())
	assert.True(t, conn.isClosed())
}
