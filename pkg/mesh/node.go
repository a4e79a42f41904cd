package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/transport"
)

// ErrNodeStopped is returned by operator commands issued after shutdown.
var ErrNodeStopped = errors.New("mesh: node stopped")

// StatusReport is one tick of the observability feed: the node's own view of
// the cluster plus its latest attestation quote.
type StatusReport struct {
	PeerID       string
	NodeName     string
	Quote        attest.Quote
	Summary      Summary
	PeerLastSeen map[string]time.Duration
	Pending      int
	Events       []Event
}

// Node runs the mesh protocol for one process. All protocol state lives in
// PeerManager and Coordinator, which Node confines to a single event loop:
// inbound transport messages, timer ticks and operator commands all serialize
// through the task channel. Heavy re-encryption work is pushed onto a worker
// pool and re-enters the loop only via sends.
type Node struct {
	id       *identity.NodeIdentity
	store    *identity.Store
	attestor attest.Attestor
	tr       transport.Transport
	cfg      Config
	log      zerolog.Logger

	pm       *PeerManager
	coord    *Coordinator
	liveness *LivenessMonitor
	pool     *workerpool.WorkerPool

	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	subMu     sync.Mutex
	subs      []chan StatusReport
	lastQuote attest.Quote

	// events buffers coordinator transitions between heartbeat ticks; loop
	// confined.
	events []Event
}

func NewNode(
	id *identity.NodeIdentity,
	store *identity.Store,
	attestor attest.Attestor,
	tr transport.Transport,
	cfg Config,
	log zerolog.Logger,
) *Node {
	n := &Node{
		id:       id,
		store:    store,
		attestor: attestor,
		tr:       tr,
		cfg:      cfg,
		log:      log.With().Str("component", "node").Str("node", id.NodeName).Logger(),
		liveness: NewLivenessMonitor(cfg.FailureTimeout),
		pool:     workerpool.New(4),
		tasks:    make(chan func(), 256),
		done:     make(chan struct{}),
	}
	n.pm = NewPeerManager(id.PeerID, attestor, log)
	n.coord = NewCoordinator(id, store, n.pm, cfg, n.sendAsync, log)
	n.coord.SetOffload(n.pool.Submit)
	n.coord.SetNotify(func(ev Event) { n.events = append(n.events, ev) })

	tr.SetHandler(n.handleInbound)
	return n
}

// Run drives the event loop until ctx is cancelled or Stop is called.
func (n *Node) Run(ctx context.Context) {
	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(n.cfg.SweepInterval)
	defer sweep.Stop()

	n.log.Info().Str("peer", n.id.PeerID).Msg("node running")
	n.publishHeartbeat(time.Now())

	for {
		select {
		case <-ctx.Done():
			n.Stop()
			return
		case <-n.done:
			return
		case fn := <-n.tasks:
			fn()
		case now := <-heartbeat.C:
			n.publishHeartbeat(now)
		case now := <-sweep.C:
			n.sweep(now)
		}
	}
}

// Stop shuts the node down. Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.pool.Stop()
		if err := n.tr.Close(); err != nil {
			n.log.Debug().Err(err).Msg("transport close")
		}
		n.wg.Wait()
		n.subMu.Lock()
		for _, ch := range n.subs {
			close(ch)
		}
		n.subs = nil
		n.subMu.Unlock()
		n.log.Info().Msg("node stopped")
	})
}

// do posts fn onto the event loop. Returns false once the node has stopped.
func (n *Node) do(fn func()) bool {
	select {
	case n.tasks <- fn:
		return true
	case <-n.done:
		return false
	}
}

func (n *Node) handleInbound(from string, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		n.log.Debug().Err(err).Str("from", from).Msg("dropped undecodable message")
		return
	}
	n.do(func() { n.dispatch(env, time.Now()) })
}

func (n *Node) dispatch(env Envelope, now time.Time) {
	switch env.Kind {
	case KindHeartbeat:
		body, err := decodeBody[HeartbeatBody](env)
		if err != nil {
			n.log.Debug().Err(err).Msg("bad heartbeat body")
			return
		}
		if _, err := n.pm.IngestHeartbeat(body, now); err != nil {
			n.log.Warn().Err(err).Str("from", env.From).Msg("rejected heartbeat")
		}
	case KindKFrag:
		fd, err := decodeBody[FragmentDelivery](env)
		if err != nil {
			n.log.Debug().Err(err).Msg("bad fragment delivery")
			return
		}
		if err := n.coord.OnFragmentDelivery(env.From, fd, now); err != nil {
			n.log.Warn().Err(err).Str("agent", fd.Lineage).Msg("fragment delivery failed")
		}
	case KindCFragRequest:
		req, err := decodeBody[CFragRequest](env)
		if err != nil {
			n.log.Debug().Err(err).Msg("bad cfrag request")
			return
		}
		if err := n.coord.OnCFragRequest(env.From, req); err != nil && !errors.Is(err, ErrUnknownLineage) {
			n.log.Debug().Err(err).Str("agent", req.Lineage).Msg("cfrag request not served")
		}
	case KindCFragResponse:
		resp, err := decodeBody[CFragResponse](env)
		if err != nil {
			n.log.Debug().Err(err).Msg("bad cfrag response")
			return
		}
		if err := n.coord.OnCFragResponse(env.From, resp, now); err != nil {
			n.log.Debug().Err(err).Str("agent", resp.Lineage).Msg("cfrag response dropped")
		}
	default:
		n.log.Debug().Str("kind", env.Kind).Msg("unknown message kind")
	}
}

func (n *Node) publishHeartbeat(now time.Time) {
	sum := n.pm.Snapshot(SummaryIdentity{
		PeerID:       n.id.PeerID,
		NodeName:     n.id.NodeName,
		PREPublicKey: n.id.Encrypt.PublicBytes(),
		VerifyingKey: n.id.Signing.VerifyingBytes(),
	}, now)
	body, err := NewHeartbeatBody(sum, n.id.Signing, n.attestor)
	if err != nil {
		n.log.Error().Err(err).Msg("build heartbeat")
		return
	}
	n.lastQuote = body.Quote
	data, err := EncodeEnvelope(KindHeartbeat, n.id.PeerID, body)
	if err != nil {
		n.log.Error().Err(err).Msg("encode heartbeat")
		return
	}
	n.goSend(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval)
		defer cancel()
		if err := n.tr.Broadcast(ctx, data); err != nil {
			n.log.Debug().Err(err).Msg("heartbeat broadcast failed")
		}
	})

	events := n.events
	n.events = nil
	n.fanOut(StatusReport{
		PeerID:       n.id.PeerID,
		NodeName:     n.id.NodeName,
		Quote:        body.Quote,
		Summary:      sum,
		PeerLastSeen: n.pm.LastSeen(now),
		Pending:      n.coord.PendingCount(),
		Events:       events,
	})
}

func (n *Node) sweep(now time.Time) {
	for _, peerID := range n.liveness.Sweep(n.pm, now) {
		rec, _ := n.pm.Peer(peerID)
		n.log.Warn().Str("peer", peerID).Str("name", rec.NodeName).Msg("peer failed")
		n.coord.OnPeerFailed(peerID, now)
	}
	n.coord.SweepPending(now)
}

// sendAsync is the coordinator's SendFunc: fire-and-forget with bounded
// retries, off the event loop so a slow peer never stalls the protocol.
func (n *Node) sendAsync(peerID string, data []byte) error {
	n.goSend(func() {
		backoff := n.cfg.SendBackoff
		for attempt := 0; attempt <= n.cfg.SendRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.FailureTimeout)
			err := n.tr.Send(ctx, peerID, data)
			cancel()
			if err == nil {
				return
			}
			if attempt == n.cfg.SendRetries {
				n.log.Debug().Err(err).Str("peer", peerID).Msg("send gave up")
				return
			}
			select {
			case <-time.After(backoff):
			case <-n.done:
				return
			}
			backoff *= 2
		}
	})
	return nil
}

func (n *Node) goSend(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Spawn creates a new agent on this node. Blocks until the event loop has
// processed the request.
func (n *Node) Spawn(baseName string, payload []byte, threshold, total int) (VesselStatus, error) {
	type result struct {
		vs  VesselStatus
		err error
	}
	ch := make(chan result, 1)
	ok := n.do(func() {
		vs, err := n.coord.Spawn(baseName, payload, threshold, total, time.Now())
		ch <- result{vs, err}
	})
	if !ok {
		return VesselStatus{}, ErrNodeStopped
	}
	r := <-ch
	return r.vs, r.err
}

// Status returns a point-in-time report without waiting for the next
// heartbeat tick.
func (n *Node) Status() (StatusReport, error) {
	ch := make(chan StatusReport, 1)
	ok := n.do(func() {
		now := time.Now()
		ch <- StatusReport{
			PeerID:   n.id.PeerID,
			NodeName: n.id.NodeName,
			Quote:    n.lastQuote,
			Summary: n.pm.Snapshot(SummaryIdentity{
				PeerID:       n.id.PeerID,
				NodeName:     n.id.NodeName,
				PREPublicKey: n.id.Encrypt.PublicBytes(),
				VerifyingKey: n.id.Signing.VerifyingBytes(),
			}, now),
			PeerLastSeen: n.pm.LastSeen(now),
			Pending:      n.coord.PendingCount(),
		}
	})
	if !ok {
		return StatusReport{}, ErrNodeStopped
	}
	return <-ch, nil
}

// Subscribe returns a feed of status reports, one per heartbeat tick. Slow
// consumers miss reports rather than stalling the node. The channel closes on
// Stop.
func (n *Node) Subscribe() <-chan StatusReport {
	ch := make(chan StatusReport, 8)
	n.subMu.Lock()
	n.subs = append(n.subs, ch)
	n.subMu.Unlock()
	return ch
}

func (n *Node) fanOut(report StatusReport) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- report:
		default:
		}
	}
}
