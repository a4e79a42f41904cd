package mesh

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vesselmesh/pkg/attest"
)

func TestLivenessReportsEachEpisodeOnce(t *testing.T) {
	attestor, err := attest.NewDevAttestor([]byte("m"))
	require.NoError(t, err)
	pm := NewPeerManager("self", attestor, zerolog.Nop())
	mon := NewLivenessMonitor(10 * time.Second)

	t0 := time.Unix(1700000000, 0)
	pm.peers["x"] = &PeerRecord{PeerID: "x", LastHeartbeatAt: t0}

	require.Empty(t, mon.Sweep(pm, t0.Add(5*time.Second)))
	require.False(t, mon.Failed("x"))

	require.Equal(t, []string{"x"}, mon.Sweep(pm, t0.Add(11*time.Second)))
	require.True(t, mon.Failed("x"))

	// Still silent: no second report for the same episode.
	require.Empty(t, mon.Sweep(pm, t0.Add(20*time.Second)))

	// Fresh heartbeat re-arms detection.
	pm.peers["x"].LastHeartbeatAt = t0.Add(25 * time.Second)
	require.Empty(t, mon.Sweep(pm, t0.Add(26*time.Second)))
	require.False(t, mon.Failed("x"))

	// A new silence episode fires again.
	require.Equal(t, []string{"x"}, mon.Sweep(pm, t0.Add(40*time.Second)))
}
