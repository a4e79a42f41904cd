package mesh

import "time"

// Config carries the mesh's policy parameters. The retry and liveness
// schedules are policy, not protocol: any node may run different values.
type Config struct {
	NodeName string

	// HeartbeatInterval is how often the node broadcasts its summary.
	HeartbeatInterval time.Duration
	// FailureTimeout is how long a peer may stay silent before it is
	// reported failed.
	FailureTimeout time.Duration
	// RespawnTimeout bounds how long a reconstruction attempt accumulates
	// cfrags before it is abandoned.
	RespawnTimeout time.Duration
	// RequestRetryInterval is how often stalled re-encryption requests are
	// re-broadcast to holders. Retries are idempotent.
	RequestRetryInterval time.Duration
	// SweepInterval drives the liveness and pending-respawn sweeps.
	SweepInterval time.Duration

	// SendRetries and SendBackoff govern per-peer delivery retries.
	SendRetries int
	SendBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		NodeName:             "node",
		HeartbeatInterval:    2 * time.Second,
		FailureTimeout:       10 * time.Second,
		RespawnTimeout:       30 * time.Second,
		RequestRetryInterval: 5 * time.Second,
		SweepInterval:        time.Second,
		SendRetries:          3,
		SendBackoff:          500 * time.Millisecond,
	}
}
