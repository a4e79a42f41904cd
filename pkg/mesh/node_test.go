package mesh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/transport"
)

func testNodeConfig(name string) Config {
	return Config{
		NodeName:             name,
		HeartbeatInterval:    50 * time.Millisecond,
		FailureTimeout:       300 * time.Millisecond,
		RespawnTimeout:       10 * time.Second,
		RequestRetryInterval: 150 * time.Millisecond,
		SweepInterval:        25 * time.Millisecond,
		SendRetries:          3,
		SendBackoff:          20 * time.Millisecond,
	}
}

func startTestNode(t *testing.T, hub *transport.MemoryHub, attestor attest.Attestor, name string) *Node {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir(), name)
	require.NoError(t, err)
	store, err := identity.NewStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := NewNode(id, store, attestor, hub.Attach(id.PeerID), testNodeConfig(name), zerolog.Nop())
	go n.Run(context.Background())
	t.Cleanup(n.Stop)
	return n
}

func livePeerCount(t *testing.T, n *Node, within time.Duration) int {
	t.Helper()
	st, err := n.Status()
	require.NoError(t, err)
	count := 0
	for _, age := range st.PeerLastSeen {
		if age <= within {
			count++
		}
	}
	return count
}

func vesselNonce(n *Node, baseName string) (uint64, string, bool) {
	st, err := n.Status()
	if err != nil {
		return 0, "", false
	}
	for _, vs := range st.Summary.Vessels {
		if vs.BaseName == baseName {
			return vs.Nonce, vs.Current, true
		}
	}
	return 0, "", false
}

func TestClusterConvergesAndSpawns(t *testing.T) {
	attestor, err := attest.NewDevAttestor([]byte("test-enclave"))
	require.NoError(t, err)
	hub := transport.NewMemoryHub()

	nodes := make([]*Node, 4)
	for i, name := range []string{"n0", "n1", "n2", "n3"} {
		nodes[i] = startTestNode(t, hub, attestor, name)
	}

	require.Eventually(t, func() bool {
		return livePeerCount(t, nodes[0], 300*time.Millisecond) == 3
	}, 5*time.Second, 20*time.Millisecond, "gossip never converged")

	vs, err := nodes[0].Spawn("auron", []byte("secret plan"), 2, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vs.Nonce)

	// Every node learns the vessel chain through heartbeats.
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			nonce, _, ok := vesselNonce(n, "auron")
			if !ok || nonce != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "vessel chain never spread")

	// The status feed carries reports.
	sub := nodes[1].Subscribe()
	select {
	case report := <-sub:
		require.Equal(t, nodes[1].id.PeerID, report.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no status report on subscription")
	}
}

func TestAgentSurvivesVesselCrash(t *testing.T) {
	attestor, err := attest.NewDevAttestor([]byte("test-enclave"))
	require.NoError(t, err)
	hub := transport.NewMemoryHub()

	nodes := make([]*Node, 5)
	for i, name := range []string{"n0", "n1", "n2", "n3", "n4"} {
		nodes[i] = startTestNode(t, hub, attestor, name)
	}

	require.Eventually(t, func() bool {
		return livePeerCount(t, nodes[0], 300*time.Millisecond) == 4
	}, 5*time.Second, 20*time.Millisecond, "gossip never converged")

	vs, err := nodes[0].Spawn("auron", []byte("must not be lost"), 2, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range nodes[1:] {
			if nonce, _, ok := vesselNonce(n, "auron"); !ok || nonce != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "vessel chain never spread")

	crashed := nodes[0].id.PeerID
	nodes[0].Stop()

	// The successor detects the silence, collects fragments and hosts the
	// next incarnation.
	require.Eventually(t, func() bool {
		for _, n := range nodes[1:] {
			nonce, current, ok := vesselNonce(n, "auron")
			if ok && nonce == 1 && current != crashed {
				return true
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond, "agent never reincarnated")

	require.Equal(t, uint64(0), vs.Nonce)
}
