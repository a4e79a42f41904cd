// Package transport moves opaque envelopes between peers: topic broadcast
// for heartbeats and point-to-point sends for fragment traffic. Delivery is
// at-most-once and unordered across peers.
package transport

import (
	"context"
	"errors"
)

// ErrConnectionUnavailable reports a per-peer I/O failure. Callers retry
// with backoff; it is never fatal to the node.
var ErrConnectionUnavailable = errors.New("transport: connection unavailable")

// Handler receives inbound messages. Implementations must not block: the
// mesh hands messages to its event loop and returns.
type Handler func(from string, data []byte)

// Transport is the mesh's view of the network.
type Transport interface {
	// Self returns the local peer ID.
	Self() string
	// Broadcast publishes to the mesh's shared gossip topic, best effort.
	Broadcast(ctx context.Context, data []byte) error
	// Send delivers to a single peer, best effort, at-most-once.
	Send(ctx context.Context, peerID string, data []byte) error
	// SetHandler installs the inbound message handler. Must be called before
	// any traffic arrives.
	SetHandler(h Handler)
	Close() error
}
