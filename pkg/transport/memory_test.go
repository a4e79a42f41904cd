package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handler(from string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, from+":"+string(data))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestMemoryHubBroadcastAndSend(t *testing.T) {
	t.Parallel()

	hub := NewMemoryHub()
	a := hub.Attach("A")
	b := hub.Attach("B")
	c := hub.Attach("C")

	var rb, rc recorder
	b.SetHandler(rb.handler)
	c.SetHandler(rc.handler)

	require.NoError(t, a.Broadcast(context.Background(), []byte("hb")))
	assert.Equal(t, []string{"A:hb"}, rb.all())
	assert.Equal(t, []string{"A:hb"}, rc.all())

	require.NoError(t, a.Send(context.Background(), "B", []byte("frag")))
	assert.Equal(t, []string{"A:hb", "A:frag"}, rb.all())
	assert.Equal(t, []string{"A:hb"}, rc.all())

	err := a.Send(context.Background(), "nobody", []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
}

func TestMemoryHubPartition(t *testing.T) {
	t.Parallel()

	hub := NewMemoryHub()
	a := hub.Attach("A")
	b := hub.Attach("B")

	var rb recorder
	b.SetHandler(rb.handler)

	hub.Partition("A")
	require.NoError(t, a.Broadcast(context.Background(), []byte("hb")))
	assert.Empty(t, rb.all(), "partitioned peer's broadcasts must not arrive")
	assert.ErrorIs(t, a.Send(context.Background(), "B", []byte("x")), ErrConnectionUnavailable)
	assert.ErrorIs(t, b.Send(context.Background(), "A", []byte("x")), ErrConnectionUnavailable)

	hub.Heal("A")
	require.NoError(t, a.Broadcast(context.Background(), []byte("hb2")))
	assert.Equal(t, []string{"A:hb2"}, rb.all())
}
