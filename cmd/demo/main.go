// Demo runs a five-node vessel cluster in one process, spawns an agent,
// kills its vessel, and prints the reincarnation as it happens.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/mesh"
	"vesselmesh/pkg/transport"
)

const (
	clusterSize = 5
	agentName   = "auron"
)

func main() {
	fmt.Println("Starting VesselMesh demo cluster...")

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	dataRoot, err := os.MkdirTemp("", "vesselmesh-demo-*")
	if err != nil {
		fmt.Printf("temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dataRoot)

	attestor, err := attest.NewDevAttestor([]byte("demo-vessel"))
	if err != nil {
		fmt.Printf("attestor: %v\n", err)
		os.Exit(1)
	}
	hub := transport.NewMemoryHub()

	nodes := make([]*mesh.Node, 0, clusterSize)
	names := make(map[string]string) // peer id -> node name
	for i := 1; i <= clusterSize; i++ {
		name := fmt.Sprintf("vessel-%d", i)
		dir := fmt.Sprintf("%s/%s", dataRoot, name)
		id, err := identity.LoadOrCreate(dir, name)
		if err != nil {
			fmt.Printf("identity %s: %v\n", name, err)
			os.Exit(1)
		}
		store, err := identity.NewStore(dir + "/vessels.db")
		if err != nil {
			fmt.Printf("store %s: %v\n", name, err)
			os.Exit(1)
		}
		defer store.Close()

		cfg := mesh.DefaultConfig()
		cfg.NodeName = name
		cfg.HeartbeatInterval = 500 * time.Millisecond
		cfg.FailureTimeout = 2 * time.Second
		cfg.SweepInterval = 250 * time.Millisecond
		cfg.RequestRetryInterval = time.Second

		node := mesh.NewNode(id, store, attestor, hub.Attach(id.PeerID), cfg, log)
		go node.Run(context.Background())
		defer node.Stop()

		nodes = append(nodes, node)
		names[id.PeerID] = name
		fmt.Printf("  started %s (%s)\n", name, shortID(id.PeerID))
	}

	fmt.Println("\nWaiting for gossip to converge...")
	if !waitFor(nodes[0], func(st mesh.StatusReport) bool {
		return len(st.PeerLastSeen) == clusterSize-1
	}) {
		fmt.Println("gossip never converged")
		os.Exit(1)
	}

	fmt.Printf("\nSpawning agent %q on vessel-1 with 2-of-3 fragments...\n", agentName)
	vs, err := nodes[0].Spawn(agentName, []byte("I must guard the summoner"), 2, 3)
	if err != nil {
		fmt.Printf("spawn: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  %s hosted by %s, successor %s\n",
		vs.Lineage(), names[vs.Current], names[vs.Next])

	fmt.Println("\nLetting the cluster gossip for a few heartbeats...")
	time.Sleep(3 * time.Second)

	fmt.Println("Killing vessel-1. The agent's plaintext state dies with it.")
	nodes[0].Stop()

	fmt.Println("Waiting for the successor to detect the failure and reconstruct...")
	start := time.Now()
	reborn := waitFor(nodes[1], func(st mesh.StatusReport) bool {
		for _, v := range st.Summary.Vessels {
			if v.BaseName == agentName && v.Nonce == 1 {
				fmt.Printf("\n  %s reincarnated as %s on %s (prev vessel %s) after %s\n",
					agentName, v.Lineage(), names[v.Current], names[v.Prev],
					time.Since(start).Truncate(time.Millisecond))
				return true
			}
		}
		return false
	})
	if !reborn {
		fmt.Println("agent never reincarnated")
		os.Exit(1)
	}

	fmt.Println("\nDemo complete: the agent outlived its vessel.")
}

// waitFor polls a node's status until ok returns true, for up to 30 seconds.
func waitFor(node *mesh.Node, ok func(mesh.StatusReport) bool) bool {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		st, err := node.Status()
		if err != nil {
			return false
		}
		if ok(st) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func shortID(peerID string) string {
	if len(peerID) <= 12 {
		return peerID
	}
	return peerID[:6] + "..." + peerID[len(peerID)-6:]
}
