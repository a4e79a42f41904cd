package mesh

import (
	"time"
)

// LivenessMonitor sweeps the peer manager on a fixed period and reports each
// failure episode exactly once: a failed peer is not re-reported until a
// fresh heartbeat re-arms it.
type LivenessMonitor struct {
	timeout time.Duration
	failed  map[string]bool
}

func NewLivenessMonitor(timeout time.Duration) *LivenessMonitor {
	return &LivenessMonitor{timeout: timeout, failed: make(map[string]bool)}
}

// Sweep returns peers that crossed the failure timeout since the last sweep.
func (m *LivenessMonitor) Sweep(pm *PeerManager, now time.Time) []string {
	var newlyFailed []string
	for id, rec := range pm.peers {
		silent := now.Sub(rec.LastHeartbeatAt) > m.timeout
		switch {
		case silent && !m.failed[id]:
			m.failed[id] = true
			newlyFailed = append(newlyFailed, id)
		case !silent && m.failed[id]:
			// Fresh heartbeat observed: re-arm detection.
			delete(m.failed, id)
		}
	}
	return newlyFailed
}

// Failed reports whether a peer is currently in a failure episode.
func (m *LivenessMonitor) Failed(peerID string) bool { return m.failed[peerID] }
