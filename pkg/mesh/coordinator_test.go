package mesh

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/pre"
	"vesselmesh/pkg/transport"
)

// cluster runs several coordinators against each other with a synchronous
// in-test network, so every protocol exchange completes before the triggering
// call returns. Time never flows on its own; tests advance it explicitly.
type cluster struct {
	t        *testing.T
	attestor *attest.DevAttestor
	nodes    map[string]*clusterNode
	down     map[string]bool
	now      time.Time

	evMu   sync.Mutex
	events map[string][]Event // node name -> coordinator events
}

type clusterNode struct {
	id    *identity.NodeIdentity
	store *identity.Store
	pm    *PeerManager
	coord *Coordinator
}

func newCluster(t *testing.T, names ...string) *cluster {
	t.Helper()
	attestor, err := attest.NewDevAttestor([]byte("test-enclave"))
	require.NoError(t, err)

	c := &cluster{
		t:        t,
		attestor: attestor,
		nodes:    make(map[string]*clusterNode),
		down:     make(map[string]bool),
		now:      time.Unix(1700000000, 0),
		events:   make(map[string][]Event),
	}
	log := zerolog.Nop()
	cfg := DefaultConfig()
	for _, name := range names {
		id := &identity.NodeIdentity{
			PeerID:   name,
			NodeName: name,
			Encrypt:  pre.GenerateKeyPair(),
			Signing:  pre.GenerateSigningKeyPair(),
		}
		store, err := identity.NewStore(filepath.Join(t.TempDir(), name+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		n := &clusterNode{id: id, store: store}
		n.pm = NewPeerManager(name, attestor, log)
		n.coord = NewCoordinator(id, store, n.pm, cfg, c.sendFrom(name), log)
		nodeName := name
		n.coord.SetNotify(func(ev Event) {
			c.evMu.Lock()
			c.events[nodeName] = append(c.events[nodeName], ev)
			c.evMu.Unlock()
		})
		c.nodes[name] = n
	}
	return c
}

func (c *cluster) sendFrom(from string) SendFunc {
	return func(to string, data []byte) error {
		if c.down[from] || c.down[to] {
			return fmt.Errorf("%w: %s", transport.ErrConnectionUnavailable, to)
		}
		target, ok := c.nodes[to]
		if !ok {
			return fmt.Errorf("%w: %s", transport.ErrConnectionUnavailable, to)
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			return err
		}
		c.dispatch(target, env)
		return nil
	}
}

func (c *cluster) dispatch(n *clusterNode, env Envelope) {
	switch env.Kind {
	case KindKFrag:
		fd, err := decodeBody[FragmentDelivery](env)
		require.NoError(c.t, err)
		require.NoError(c.t, n.coord.OnFragmentDelivery(env.From, fd, c.now))
	case KindCFragRequest:
		req, err := decodeBody[CFragRequest](env)
		require.NoError(c.t, err)
		_ = n.coord.OnCFragRequest(env.From, req)
	case KindCFragResponse:
		resp, err := decodeBody[CFragResponse](env)
		require.NoError(c.t, err)
		_ = n.coord.OnCFragResponse(env.From, resp, c.now)
	default:
		c.t.Fatalf("unexpected message kind %q", env.Kind)
	}
}

// heartbeats exchanges one round of summaries among all up nodes at the
// cluster's current time.
func (c *cluster) heartbeats() {
	c.t.Helper()
	for name, n := range c.nodes {
		if c.down[name] {
			continue
		}
		sum := n.pm.Snapshot(SummaryIdentity{
			PeerID:       n.id.PeerID,
			NodeName:     n.id.NodeName,
			PREPublicKey: n.id.Encrypt.PublicBytes(),
			VerifyingKey: n.id.Signing.VerifyingBytes(),
		}, c.now)
		body, err := NewHeartbeatBody(sum, n.id.Signing, c.attestor)
		require.NoError(c.t, err)
		for other, on := range c.nodes {
			if other == name || c.down[other] {
				continue
			}
			_, err := on.pm.IngestHeartbeat(body, c.now)
			require.NoError(c.t, err)
		}
	}
}

func (c *cluster) kill(name string) { c.down[name] = true }

func (c *cluster) heal(name string) { delete(c.down, name) }

func (c *cluster) advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *cluster) node(name string) *clusterNode { return c.nodes[name] }

func (c *cluster) eventsOf(name, kind string) []Event {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	var out []Event
	for _, ev := range c.events[name] {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestAgentReincarnatesAfterVesselFailure(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e")
	c.heartbeats()

	payload := []byte("the agent's secret state")
	vs, err := c.node("a").coord.Spawn("auron", payload, 2, 3, c.now)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vs.Nonce)
	require.Equal(t, "a", vs.Current)
	require.NotEqual(t, "a", vs.Next)

	// With four candidate peers and three fragments, the successor is a
	// non-holder.
	holders := c.node("a").pm.HoldersFor("auron-0")
	require.Len(t, holders, 3)
	for _, h := range holders {
		require.NotEqual(t, vs.Next, h)
	}

	// Spread vessel chain and holder records, then lose the vessel.
	c.heartbeats()
	c.kill("a")
	c.advance(DefaultConfig().FailureTimeout + time.Second)
	c.heartbeats()

	succ := c.node(vs.Next)
	succ.coord.OnPeerFailed("a", c.now)

	// Responses arrive synchronously, so reconstruction completes in-line.
	require.True(t, succ.coord.Hosting("auron-1"))
	require.Zero(t, succ.coord.PendingCount())
	require.NotEmpty(t, c.eventsOf(vs.Next, EventReconstructed))

	vs2, ok := succ.pm.Vessel("auron")
	require.True(t, ok)
	require.Equal(t, uint64(1), vs2.Nonce)
	require.Equal(t, vs.Next, vs2.Current)
	require.Equal(t, "a", vs2.Prev)

	// Survivors converge on the new epoch after the next gossip round.
	c.heartbeats()
	for _, name := range []string{"b", "c", "d", "e"} {
		got, ok := c.node(name).pm.Vessel("auron")
		require.True(t, ok, "node %s missing vessel", name)
		require.Equal(t, uint64(1), got.Nonce, "node %s stale", name)
	}
}

func TestRespawnRequestsRetryAndStayIdempotent(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e")
	c.heartbeats()

	vs, err := c.node("a").coord.Spawn("auron", []byte("state"), 2, 3, c.now)
	require.NoError(t, err)
	c.heartbeats()

	// Vessel and every holder go dark: the attempt must stall, not fail.
	c.kill("a")
	holders := c.node(vs.Next).pm.HoldersFor("auron-0")
	require.Len(t, holders, 3)
	for _, h := range holders {
		c.kill(h)
	}
	c.advance(DefaultConfig().FailureTimeout + time.Second)
	c.heartbeats()

	succ := c.node(vs.Next)
	succ.coord.OnPeerFailed("a", c.now)
	require.Equal(t, 1, succ.coord.PendingCount())
	require.False(t, succ.coord.Hosting("auron-1"))

	// A repeated failure signal refreshes the existing attempt.
	succ.coord.OnPeerFailed("a", c.now)
	require.Equal(t, 1, succ.coord.PendingCount())

	// Holders come back; the periodic sweep re-broadcasts requests and the
	// threshold is reached.
	for _, h := range holders {
		c.heal(h)
	}
	c.advance(DefaultConfig().RequestRetryInterval + time.Second)
	c.heartbeats()
	abandoned := succ.coord.SweepPending(c.now)
	require.Empty(t, abandoned)

	require.True(t, succ.coord.Hosting("auron-1"))
	require.Zero(t, succ.coord.PendingCount())
}

func TestRespawnAbandonedWithoutQuorum(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e")
	c.heartbeats()

	vs, err := c.node("a").coord.Spawn("auron", []byte("state"), 3, 3, c.now)
	require.NoError(t, err)
	c.heartbeats()

	// Two of three holders die with the vessel; t=3 is unreachable.
	holders := c.node(vs.Next).pm.HoldersFor("auron-0")
	require.Len(t, holders, 3)
	c.kill("a")
	dead := 0
	for _, h := range holders {
		c.kill(h)
		dead++
		if dead == 2 {
			break
		}
	}
	c.advance(DefaultConfig().FailureTimeout + time.Second)
	c.heartbeats()

	succ := c.node(vs.Next)
	succ.coord.OnPeerFailed("a", c.now)
	require.Equal(t, 1, succ.coord.PendingCount())

	c.advance(DefaultConfig().RespawnTimeout + time.Second)
	abandoned := succ.coord.SweepPending(c.now)
	require.Equal(t, []string{"auron-0"}, abandoned)
	require.Zero(t, succ.coord.PendingCount())
	require.False(t, succ.coord.Hosting("auron-1"))
	require.NotEmpty(t, c.eventsOf(vs.Next, EventAbandoned))
}

func TestNonceMonotonicAcrossReincarnations(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e", "f")
	c.heartbeats()

	vs, err := c.node("a").coord.Spawn("auron", []byte("long-lived"), 2, 3, c.now)
	require.NoError(t, err)

	current := "a"
	for wantNonce := uint64(1); wantNonce <= 2; wantNonce++ {
		c.heartbeats()
		c.kill(current)
		c.advance(DefaultConfig().FailureTimeout + time.Second)
		c.heartbeats()

		succ := c.node(vs.Next)
		succ.coord.OnPeerFailed(current, c.now)

		got, ok := succ.pm.Vessel("auron")
		require.True(t, ok)
		require.Equal(t, wantNonce, got.Nonce)
		require.Equal(t, vs.Next, got.Current)
		require.Equal(t, current, got.Prev)

		current = got.Current
		vs = got
	}
}

func TestDuplicateCFragResponsesNotDoubleCounted(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e")
	c.heartbeats()

	vs, err := c.node("a").coord.Spawn("auron", []byte("state"), 2, 3, c.now)
	require.NoError(t, err)
	c.heartbeats()

	holders := c.node(vs.Next).pm.HoldersFor("auron-0")
	c.kill("a")
	for _, h := range holders {
		c.kill(h)
	}
	c.advance(DefaultConfig().FailureTimeout + time.Second)
	c.heartbeats()

	succ := c.node(vs.Next)
	succ.coord.OnPeerFailed("a", c.now)
	p := succ.coord.pending["auron-0"]
	require.NotNil(t, p)
	require.Empty(t, p.CFrags)

	// Craft responses directly from the holders' stored fragments.
	lineage := identity.Lineage{BaseName: "auron", Nonce: 0}
	makeResponse := func(holderName string) CFragResponse {
		held, err := c.node(holderName).store.HeldFragForLineage(lineage)
		require.NoError(t, err)
		var kf pre.KFrag
		require.NoError(t, kf.UnmarshalBinary(held.KFrag))
		var capsule pre.Capsule
		require.NoError(t, capsule.UnmarshalBinary(held.Capsule))
		cf := pre.ReEncrypt(capsule, kf, succ.id.Encrypt.Public)
		raw, err := cf.MarshalBinary()
		require.NoError(t, err)
		return CFragResponse{
			ReverieID: held.ReverieID,
			Lineage:   "auron-0",
			Index:     held.Index,
			CFrag:     raw,
			Holder:    holderName,
		}
	}

	var holderNames []string
	for _, h := range holders {
		holderNames = append(holderNames, h)
	}

	first := makeResponse(holderNames[0])
	require.NoError(t, succ.coord.OnCFragResponse(holderNames[0], first, c.now))
	require.Len(t, p.CFrags, 1)

	// Same holder again: ignored, not double counted toward threshold.
	require.NoError(t, succ.coord.OnCFragResponse(holderNames[0], first, c.now))
	require.Len(t, p.CFrags, 1)
	require.False(t, succ.coord.Hosting("auron-1"))

	second := makeResponse(holderNames[1])
	require.NoError(t, succ.coord.OnCFragResponse(holderNames[1], second, c.now))
	require.True(t, succ.coord.Hosting("auron-1"))
}

func TestLostHolderFragmentReissued(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e", "f")
	c.heartbeats()

	vs, err := c.node("a").coord.Spawn("auron", []byte("state"), 2, 3, c.now)
	require.NoError(t, err)

	holders := c.node("a").pm.HoldersFor("auron-0")
	var victim string
	var victimIndex int
	for idx, h := range holders {
		victim = h
		victimIndex = idx
		break
	}
	c.heartbeats()
	c.kill(victim)
	c.advance(DefaultConfig().FailureTimeout + time.Second)
	c.heartbeats()

	c.node("a").coord.OnPeerFailed(victim, c.now)

	after := c.node("a").pm.HoldersFor("auron-0")
	require.Len(t, after, 3)
	replacement := after[victimIndex]
	require.NotEqual(t, victim, replacement)
	require.NotEmpty(t, c.eventsOf("a", EventFragReissued))

	// The replacement can serve the fragment from its own store.
	held, err := c.node(replacement).store.HeldFragForLineage(identity.Lineage{BaseName: "auron", Nonce: 0})
	require.NoError(t, err)
	require.Equal(t, victimIndex, held.Index)
	require.Equal(t, vs.ReverieID, held.ReverieID)
}

func TestFailedSuccessorReplaced(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d", "e", "f")
	c.heartbeats()

	vs, err := c.node("a").coord.Spawn("auron", []byte("state"), 2, 3, c.now)
	require.NoError(t, err)
	oldNext := vs.Next

	c.heartbeats()
	c.kill(oldNext)
	c.advance(DefaultConfig().FailureTimeout + time.Second)
	c.heartbeats()

	c.node("a").coord.OnPeerFailed(oldNext, c.now)

	got, ok := c.node("a").pm.Vessel("auron")
	require.True(t, ok)
	require.NotEqual(t, oldNext, got.Next)
	require.NotEqual(t, "a", got.Next)

	// The new successor holds the reverie replica it needs to reconstruct.
	rev, err := c.node(got.Next).store.ReverieByLineage(identity.Lineage{BaseName: "auron", Nonce: 0})
	require.NoError(t, err)
	require.Equal(t, vs.ReverieID, rev.ID)
}

func TestSpawnValidation(t *testing.T) {
	c := newCluster(t, "a", "b")
	c.heartbeats()

	_, err := c.node("a").coord.Spawn("auron", []byte("state"), 4, 3, c.now)
	require.ErrorIs(t, err, pre.ErrBadThreshold)

	_, err = c.node("a").coord.Spawn("auron", []byte("state"), 2, 3, c.now)
	require.ErrorIs(t, err, ErrInsufficientPeers)
}
