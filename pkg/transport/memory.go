package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub wires MemoryTransports together in-process. Tests and the demo
// use it to run whole clusters in one binary and to cut peers off, which is
// how a vessel "dies" without killing the test process.
type MemoryHub struct {
	mu          sync.Mutex
	peers       map[string]*MemoryTransport
	partitioned map[string]bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		peers:       make(map[string]*MemoryTransport),
		partitioned: make(map[string]bool),
	}
}

// Attach registers a peer and returns its transport endpoint.
func (h *MemoryHub) Attach(peerID string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &MemoryTransport{hub: h, id: peerID}
	h.peers[peerID] = t
	return t
}

// Partition cuts a peer off in both directions. Its heartbeats stop
// reaching the rest of the cluster, and nothing reaches it.
func (h *MemoryHub) Partition(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitioned[peerID] = true
}

// Heal reconnects a partitioned peer.
func (h *MemoryHub) Heal(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitioned, peerID)
}

func (h *MemoryHub) broadcast(from string, data []byte) {
	h.mu.Lock()
	if h.partitioned[from] {
		h.mu.Unlock()
		return
	}
	targets := make([]*MemoryTransport, 0, len(h.peers))
	for id, t := range h.peers {
		if id == from || h.partitioned[id] {
			continue
		}
		targets = append(targets, t)
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.deliver(from, data)
	}
}

func (h *MemoryHub) send(from, to string, data []byte) error {
	h.mu.Lock()
	t, ok := h.peers[to]
	cut := h.partitioned[from] || h.partitioned[to]
	h.mu.Unlock()

	if !ok || cut {
		return fmt.Errorf("%w: %s", ErrConnectionUnavailable, to)
	}
	t.deliver(from, data)
	return nil
}

// MemoryTransport is one peer's endpoint on a MemoryHub. Delivery is
// synchronous in the sender's goroutine; handlers must stay non-blocking,
// same contract as the real transport.
type MemoryTransport struct {
	hub *MemoryHub
	id  string

	mu      sync.Mutex
	handler Handler
	closed  bool
}

func (t *MemoryTransport) Self() string { return t.id }

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) Broadcast(_ context.Context, data []byte) error {
	t.hub.broadcast(t.id, append([]byte(nil), data...))
	return nil
}

func (t *MemoryTransport) Send(_ context.Context, peerID string, data []byte) error {
	return t.hub.send(t.id, peerID, append([]byte(nil), data...))
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.hub.Partition(t.id)
	return nil
}

func (t *MemoryTransport) deliver(from string, data []byte) {
	t.mu.Lock()
	h := t.handler
	closed := t.closed
	t.mu.Unlock()
	if h != nil && !closed {
		h(from, data)
	}
}
