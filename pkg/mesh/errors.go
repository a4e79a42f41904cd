package mesh

import "errors"

var (
	// ErrInsufficientPeers is returned by Spawn when fewer live peers exist
	// than the requested fragment count.
	ErrInsufficientPeers = errors.New("mesh: not enough live peers")
	// ErrStaleUpdate marks an incoming summary entry whose nonce does not
	// supersede what is already known. It is swallowed during merge and
	// never surfaced upward.
	ErrStaleUpdate = errors.New("mesh: stale update")
	// ErrUnknownLineage is returned when a request references an agent this
	// node has no record of.
	ErrUnknownLineage = errors.New("mesh: unknown lineage")
)
