package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(socketID string) *Client {
	return &Client{
		SocketID: socketID,
		Send:     make(chan []byte, 2),
		closed:   make(chan struct{}),
	}
}

func TestConnManagerIndexes(t *testing.T) {
	m := NewConnManager()
	a := testClient("s1")
	b := testClient("s2")

	m.Add(a)
	m.Add(b)
	assert.Equal(t, 2, m.Count())

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Same(t, a, got)

	m.SetDocument(a, "doc1")
	m.SetDocument(b, "doc1")
	assert.Equal(t, 2, m.CountByDoc("doc1"))
	assert.Len(t, m.ListByDoc("doc1"), 2)

	// moving to another document leaves the old set
	m.SetDocument(b, "doc2")
	assert.Equal(t, 1, m.CountByDoc("doc1"))
	assert.Equal(t, 1, m.CountByDoc("doc2"))
	assert.Equal(t, "doc2", b.Document())

	// detach
	m.SetDocument(a, "")
	assert.Equal(t, 0, m.CountByDoc("doc1"))
	assert.Empty(t, a.Document())

	m.Remove("s2")
	assert.Equal(t, 0, m.CountByDoc("doc2"))
	_, ok = m.Get("s2")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count())
}

func TestConnManagerRemoveUnknownSocket(t *testing.T) {
	m := NewConnManager()
	m.Remove("ghost")
	assert.Equal(t, 0, m.Count())
}

func TestClientEnqueueDropsWhenFull(t *testing.T) {
	c := testClient("s1")

	assert.True(t, c.Enqueue([]byte("a")))
	assert.True(t, c.Enqueue([]byte("b")))
	// queue capacity 2: the third frame is shed, not blocked on
	assert.False(t, c.Enqueue([]byte("c")))
	assert.EqualValues(t, 1, c.Drops())

	assert.False(t, c.Enqueue(nil))
}

func TestClientEnqueueAfterClose(t *testing.T) {
	c := testClient("s1")
	close(c.closed)
	assert.False(t, c.Enqueue([]byte("late")))
}
