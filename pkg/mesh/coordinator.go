package mesh

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/pre"
)

// Event is an observable coordinator transition, consumed by tests and the
// status feed.
type Event struct {
	Kind    string
	Lineage string
	Detail  string
}

const (
	EventSpawned        = "spawned"
	EventRespawnStarted = "respawn-started"
	EventReconstructed  = "reconstructed"
	EventAbandoned      = "abandoned"
	EventFragReissued   = "fragment-reissued"
)

// SendFunc delivers an encoded envelope to a peer, best effort.
type SendFunc func(peerID string, data []byte) error

type hostedAgent struct {
	status VesselStatus
	// kfrags by index, serialized, retained so an unreachable holder's
	// fragment can be re-issued to a replacement without re-splitting.
	kfrags      map[int][]byte
	capsule     []byte
	ciphertext  []byte
	verifyingPK []byte
	ownerPK     []byte
}

// Coordinator is the per-node vessel reincarnation state machine. For every
// agent lineage the node is either idle, hosting, or collecting fragments to
// reincarnate; transitions happen only on the owning event loop.
type Coordinator struct {
	id    *identity.NodeIdentity
	store *identity.Store
	pm    *PeerManager
	cfg   Config
	send  SendFunc
	log   zerolog.Logger
	rng   *rand.Rand

	// offload runs CPU-bound re-encryption off the event loop. The node
	// wires a worker pool here; tests leave it synchronous.
	offload func(func())
	// notify publishes coordinator events; may be nil.
	notify func(Event)

	hosted  map[string]*hostedAgent    // keyed by lineage id
	pending map[string]*PendingRespawn // keyed by failed epoch's lineage id
}

func NewCoordinator(
	id *identity.NodeIdentity,
	store *identity.Store,
	pm *PeerManager,
	cfg Config,
	send SendFunc,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		id:      id,
		store:   store,
		pm:      pm,
		cfg:     cfg,
		send:    send,
		log:     log.With().Str("component", "coordinator").Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		offload: func(fn func()) { fn() },
		hosted:  make(map[string]*hostedAgent),
		pending: make(map[string]*PendingRespawn),
	}
}

// SetOffload replaces the synchronous crypto executor.
func (c *Coordinator) SetOffload(fn func(func())) { c.offload = fn }

// SetNotify installs the event callback.
func (c *Coordinator) SetNotify(fn func(Event)) { c.notify = fn }

func (c *Coordinator) emit(ev Event) {
	if c.notify != nil {
		c.notify(ev)
	}
}

// Hosting reports whether this node currently hosts the lineage.
func (c *Coordinator) Hosting(lineage string) bool {
	_, ok := c.hosted[lineage]
	return ok
}

// PendingCount returns the number of in-flight reconstruction attempts.
func (c *Coordinator) PendingCount() int { return len(c.pending) }

// Spawn creates a new agent at nonce 0 hosted by this node. Configuration
// errors (bad threshold) and InsufficientPeers are returned synchronously;
// fragment delivery itself is best effort.
func (c *Coordinator) Spawn(baseName string, payload []byte, threshold, total int, now time.Time) (VesselStatus, error) {
	if threshold < 1 || threshold > total {
		return VesselStatus{}, fmt.Errorf("%w: t=%d n=%d", pre.ErrBadThreshold, threshold, total)
	}
	if vs, ok := c.pm.Vessel(baseName); ok {
		return VesselStatus{}, fmt.Errorf("agent %s already hosted by %s", vs.Lineage(), vs.Current)
	}
	lineage := identity.Lineage{BaseName: baseName, Nonce: 0}
	return c.spawnEpoch(lineage, payload, threshold, total, "", now)
}

// spawnEpoch is the shared spawn/reincarnate path: encrypt, split, pick
// holders and a successor, deliver fragments, record state.
func (c *Coordinator) spawnEpoch(
	lineage identity.Lineage,
	payload []byte,
	threshold, total int,
	prevVessel string,
	now time.Time,
) (VesselStatus, error) {
	live := c.pm.LivePeers(now, c.cfg.FailureTimeout)
	if len(live) < total {
		return VesselStatus{}, fmt.Errorf("%w: %d live, need %d fragment holders", ErrInsufficientPeers, len(live), total)
	}
	c.rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	holders := live[:total]
	// The successor is an extra live peer when one exists; otherwise a
	// holder doubles as successor and answers its own request at respawn.
	next := holders[0]
	if len(live) > total {
		next = live[total]
	}

	owner := pre.GenerateKeyPair()
	signer := pre.GenerateSigningKeyPair()
	capsule, ciphertext, err := pre.Encrypt(owner.Public, payload)
	if err != nil {
		return VesselStatus{}, fmt.Errorf("encrypt agent state: %w", err)
	}
	kfrags, err := pre.SplitKey(owner.Secret, signer, threshold, total)
	if err != nil {
		return VesselStatus{}, err
	}
	capsuleBytes, err := capsule.MarshalBinary()
	if err != nil {
		return VesselStatus{}, err
	}

	rev := identity.Reverie{
		ID:          identity.NewReverieID(),
		Lineage:     lineage,
		Threshold:   threshold,
		TotalFrags:  total,
		Capsule:     capsuleBytes,
		Ciphertext:  ciphertext,
		OwnerPK:     pre.PointBytes(owner.Public),
		VerifyingPK: pre.PointBytes(signer.Verifying),
	}
	if err := c.store.SaveReverie(rev); err != nil {
		return VesselStatus{}, err
	}

	vs := VesselStatus{
		BaseName:   lineage.BaseName,
		Nonce:      lineage.Nonce,
		Current:    c.id.PeerID,
		Next:       next,
		Prev:       prevVessel,
		Threshold:  threshold,
		TotalFrags: total,
		ReverieID:  rev.ID,
	}

	host := &hostedAgent{
		status:      vs,
		kfrags:      make(map[int][]byte, total),
		capsule:     capsuleBytes,
		ciphertext:  ciphertext,
		verifyingPK: rev.VerifyingPK,
		ownerPK:     rev.OwnerPK,
	}

	var delivery *multierror.Error
	nextGotReplica := false
	for i, kf := range kfrags {
		kfBytes, err := kf.MarshalBinary()
		if err != nil {
			return VesselStatus{}, err
		}
		host.kfrags[kf.Index] = kfBytes
		holder := holders[i]
		if err := c.deliverFragment(holder, rev, vs, kf.Index, kfBytes); err != nil {
			delivery = multierror.Append(delivery, err)
			continue
		}
		c.pm.RecordFragmentDistribution(lineage.String(), holder, kf.Index)
		if holder == next {
			nextGotReplica = true
		}
	}
	if !nextGotReplica {
		// The successor needs the reverie replica to drive reconstruction.
		if err := c.deliverFragment(next, rev, vs, VesselNoticeIndex, nil); err != nil {
			delivery = multierror.Append(delivery, err)
		}
	}
	if err := delivery.ErrorOrNil(); err != nil {
		// Best effort: missed holders are healed by re-issue once they are
		// reported failed.
		c.log.Warn().Err(err).Str("agent", lineage.String()).Msg("partial fragment delivery")
	}

	c.pm.ApplyLocalVessel(vs, now)
	c.hosted[lineage.String()] = host
	c.log.Info().
		Str("agent", lineage.String()).
		Str("next_vessel", next).
		Int("threshold", threshold).
		Int("total_frags", total).
		Msg("hosting agent")
	c.emit(Event{Kind: EventSpawned, Lineage: lineage.String(), Detail: next})
	return vs, nil
}

func (c *Coordinator) deliverFragment(
	holder string,
	rev identity.Reverie,
	vs VesselStatus,
	index int,
	kfragBytes []byte,
) error {
	fd := FragmentDelivery{
		ReverieID:   rev.ID,
		Lineage:     rev.Lineage.String(),
		Index:       index,
		Threshold:   rev.Threshold,
		TotalFrags:  rev.TotalFrags,
		KFrag:       kfragBytes,
		Capsule:     rev.Capsule,
		Ciphertext:  rev.Ciphertext,
		VerifyingPK: rev.VerifyingPK,
		OwnerPK:     rev.OwnerPK,
		Vessel:      vs.Current,
		NextVessel:  vs.Next,
	}
	data, err := EncodeEnvelope(KindKFrag, c.id.PeerID, fd)
	if err != nil {
		return err
	}
	if err := c.send(holder, data); err != nil {
		return fmt.Errorf("deliver fragment %d to %s: %w", index, holder, err)
	}
	return nil
}

// OnFragmentDelivery stores an inbound kfrag (or reverie replica) and books
// this node as a holder.
func (c *Coordinator) OnFragmentDelivery(from string, fd FragmentDelivery, now time.Time) error {
	lineage, err := identity.ParseLineage(fd.Lineage)
	if err != nil {
		return err
	}
	if len(fd.KFrag) > 0 {
		var kf pre.KFrag
		if err := kf.UnmarshalBinary(fd.KFrag); err != nil {
			return err
		}
		verifying, err := pre.PublicKeyFromBytes(fd.VerifyingPK)
		if err != nil {
			return err
		}
		if err := kf.Verify(verifying); err != nil {
			c.log.Warn().Err(err).Str("agent", fd.Lineage).Str("from", from).Msg("rejected kfrag")
			return err
		}
		if err := c.store.SaveHeldFrag(identity.HeldFrag{
			ReverieID:   fd.ReverieID,
			Lineage:     lineage,
			Index:       fd.Index,
			Threshold:   fd.Threshold,
			TotalFrags:  fd.TotalFrags,
			KFrag:       fd.KFrag,
			Capsule:     fd.Capsule,
			Ciphertext:  fd.Ciphertext,
			VerifyingPK: fd.VerifyingPK,
			Vessel:      fd.Vessel,
			NextVessel:  fd.NextVessel,
		}); err != nil {
			return err
		}
		c.pm.RecordFragmentDistribution(fd.Lineage, c.id.PeerID, fd.Index)
	}
	// Keep the reverie replica either way: a successor needs the capsule
	// and ciphertext to reconstruct.
	if err := c.store.SaveReverie(identity.Reverie{
		ID:          fd.ReverieID,
		Lineage:     lineage,
		Threshold:   fd.Threshold,
		TotalFrags:  fd.TotalFrags,
		Capsule:     fd.Capsule,
		Ciphertext:  fd.Ciphertext,
		OwnerPK:     fd.OwnerPK,
		VerifyingPK: fd.VerifyingPK,
	}); err != nil {
		return err
	}
	c.pm.MergeVesselReport(VesselStatus{
		BaseName:   lineage.BaseName,
		Nonce:      lineage.Nonce,
		Current:    fd.Vessel,
		Next:       fd.NextVessel,
		Threshold:  fd.Threshold,
		TotalFrags: fd.TotalFrags,
		ReverieID:  fd.ReverieID,
	}, from, now)
	return nil
}

// OnPeerFailed reacts to a liveness failure: start reconstruction for every
// lineage where the failed peer was the vessel and this node is the
// designated successor, and re-issue fragments for hosted agents that lost
// a holder. All other consequences are passive view updates.
func (c *Coordinator) OnPeerFailed(peerID string, now time.Time) {
	// Snapshot holder assignments for hosted agents before the bookkeeping
	// for the dead peer is dropped.
	lostFrags := make(map[string][]int) // lineage -> indices the dead peer held
	for lin := range c.hosted {
		for index, holder := range c.pm.HoldersFor(lin) {
			if holder == peerID {
				lostFrags[lin] = append(lostFrags[lin], index)
			}
		}
	}
	c.pm.DropPeerFragments(peerID)

	for _, vs := range c.pm.VesselsHostedBy(peerID) {
		if vs.Next != c.id.PeerID {
			continue
		}
		c.beginRespawn(vs, now)
	}

	for lin, indices := range lostFrags {
		c.reissueFragments(lin, indices, now)
	}
	for lin, h := range c.hosted {
		if h.status.Next == peerID {
			c.replaceNextVessel(lin, h, now)
		}
	}
}

// beginRespawn transitions to AwaitingFragments for a failed vessel's
// lineage. Idempotent per (lineage, successor): a repeat trigger only
// refreshes the request timestamp and re-broadcasts requests.
func (c *Coordinator) beginRespawn(vs VesselStatus, now time.Time) {
	key := vs.Lineage()
	if p, ok := c.pending[key]; ok {
		p.LastRequestAt = now
		c.broadcastRequests(p)
		return
	}

	lineage := identity.Lineage{BaseName: vs.BaseName, Nonce: vs.Nonce}
	rev, err := c.store.ReverieByLineage(lineage)
	if err != nil {
		c.log.Error().Err(err).Str("agent", key).Msg("no reverie replica, cannot respawn")
		return
	}
	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(rev.Capsule); err != nil {
		c.log.Error().Err(err).Str("agent", key).Msg("corrupt capsule")
		return
	}

	p := &PendingRespawn{
		Lineage:       lineage,
		ReverieID:     rev.ID,
		PrevVessel:    vs.Current,
		Threshold:     rev.Threshold,
		TotalFrags:    rev.TotalFrags,
		Capsule:       capsule,
		Ciphertext:    rev.Ciphertext,
		VerifyingPK:   rev.VerifyingPK,
		CFrags:        make(map[string]pre.CFrag),
		CreatedAt:     now,
		LastRequestAt: now,
	}
	c.pending[key] = p
	c.log.Info().
		Str("agent", key).
		Str("failed_vessel", vs.Current).
		Int("threshold", p.Threshold).
		Msg("vessel failed, collecting fragments")
	c.emit(Event{Kind: EventRespawnStarted, Lineage: key, Detail: vs.Current})

	c.answerOwnRequest(p)
	c.broadcastRequests(p)
}

func (c *Coordinator) request(p *PendingRespawn) (CFragRequest, error) {
	capsuleBytes, err := p.Capsule.MarshalBinary()
	if err != nil {
		return CFragRequest{}, err
	}
	req := CFragRequest{
		ReverieID:    p.ReverieID,
		Lineage:      p.Lineage.String(),
		Capsule:      capsuleBytes,
		RequesterPub: pre.PointBytes(c.id.Encrypt.Public),
		Requester:    c.id.PeerID,
	}
	req.Sig, err = pre.Sign(c.id.Signing, req.SigningBytes())
	if err != nil {
		return CFragRequest{}, err
	}
	return req, nil
}

func (c *Coordinator) broadcastRequests(p *PendingRespawn) {
	req, err := c.request(p)
	if err != nil {
		c.log.Error().Err(err).Str("agent", p.Lineage.String()).Msg("build cfrag request")
		return
	}
	data, err := EncodeEnvelope(KindCFragRequest, c.id.PeerID, req)
	if err != nil {
		c.log.Error().Err(err).Msg("encode cfrag request")
		return
	}
	for _, holder := range c.pm.HoldersFor(p.Lineage.String()) {
		if holder == c.id.PeerID || holder == p.PrevVessel {
			continue
		}
		if _, done := p.CFrags[holder]; done {
			continue
		}
		if err := c.send(holder, data); err != nil {
			c.log.Debug().Err(err).Str("holder", holder).Msg("cfrag request send failed")
		}
	}
}

// answerOwnRequest lets a successor that also holds a fragment count its own
// cfrag toward the threshold without a network round trip.
func (c *Coordinator) answerOwnRequest(p *PendingRespawn) {
	held, err := c.store.HeldFragForLineage(p.Lineage)
	if err != nil {
		return
	}
	var kf pre.KFrag
	if err := kf.UnmarshalBinary(held.KFrag); err != nil {
		return
	}
	cf := pre.ReEncrypt(p.Capsule, kf, c.id.Encrypt.Public)
	p.CFrags[c.id.PeerID] = cf
	if raw, err := cf.MarshalBinary(); err == nil {
		c.pm.RecordCFragObserved(p.Lineage.String(), c.id.PeerID, CFragDigest(raw))
	}
}

// OnCFragRequest answers a re-encryption request for a fragment this node
// holds. Pure computation plus one send, so it runs on the offload executor.
func (c *Coordinator) OnCFragRequest(from string, req CFragRequest) error {
	if rec, ok := c.pm.Peer(req.Requester); ok && len(rec.VerifyingKey) > 0 {
		if err := pre.VerifyBytes(rec.VerifyingKey, req.SigningBytes(), req.Sig); err != nil {
			c.log.Warn().Str("requester", req.Requester).Err(err).Msg("rejected cfrag request")
			return fmt.Errorf("%w: bad request signature", pre.ErrInvalidFragment)
		}
	}
	lineage, err := identity.ParseLineage(req.Lineage)
	if err != nil {
		return err
	}
	held, err := c.store.HeldFragForLineage(lineage)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrUnknownLineage
	}
	if err != nil {
		return err
	}
	var kf pre.KFrag
	if err := kf.UnmarshalBinary(held.KFrag); err != nil {
		return err
	}
	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(req.Capsule); err != nil {
		return err
	}
	requesterPub, err := pre.PublicKeyFromBytes(req.RequesterPub)
	if err != nil {
		return err
	}

	requester := req.Requester
	self := c.id.PeerID
	index := held.Index
	reverieID := held.ReverieID
	lineageID := req.Lineage
	c.offload(func() {
		cf := pre.ReEncrypt(capsule, kf, requesterPub)
		raw, err := cf.MarshalBinary()
		if err != nil {
			return
		}
		resp := CFragResponse{
			ReverieID: reverieID,
			Lineage:   lineageID,
			Index:     index,
			CFrag:     raw,
			Holder:    self,
		}
		data, err := EncodeEnvelope(KindCFragResponse, self, resp)
		if err != nil {
			return
		}
		if err := c.send(requester, data); err != nil {
			c.log.Debug().Err(err).Str("requester", requester).Msg("cfrag response send failed")
		}
	})
	return nil
}

// OnCFragResponse accumulates a holder's fragment; at threshold it attempts
// reconstruction and, on success, becomes the new vessel for the next nonce.
func (c *Coordinator) OnCFragResponse(from string, resp CFragResponse, now time.Time) error {
	p, ok := c.pending[resp.Lineage]
	if !ok {
		return nil // no attempt in flight; late or unsolicited response
	}
	if _, dup := p.CFrags[resp.Holder]; dup {
		return nil
	}
	var cf pre.CFrag
	if err := cf.UnmarshalBinary(resp.CFrag); err != nil {
		return err
	}
	verifying, err := pre.PublicKeyFromBytes(p.VerifyingPK)
	if err != nil {
		return err
	}
	if err := cf.Verify(verifying); err != nil {
		c.log.Warn().Err(err).Str("holder", resp.Holder).Msg("dropped invalid cfrag")
		return err
	}

	p.CFrags[resp.Holder] = cf
	c.pm.RecordCFragObserved(resp.Lineage, resp.Holder, CFragDigest(resp.CFrag))
	c.log.Debug().
		Str("agent", resp.Lineage).
		Str("holder", resp.Holder).
		Int("have", len(p.CFrags)).
		Int("need", p.Threshold).
		Msg("collected cfrag")

	if len(p.CFrags) < p.Threshold {
		return nil
	}

	plaintext, err := pre.Reconstruct(
		p.Capsule, p.Ciphertext, p.collected(),
		c.id.Encrypt.Secret, verifying, p.Threshold,
	)
	if err != nil {
		// A dropped-as-invalid fragment can leave us below threshold again;
		// keep collecting until the timeout decides.
		c.log.Warn().Err(err).Str("agent", resp.Lineage).Msg("reconstruction attempt failed")
		return nil
	}
	c.completeRespawn(p, plaintext, now)
	return nil
}

func (c *Coordinator) completeRespawn(p *PendingRespawn, plaintext []byte, now time.Time) {
	oldKey := p.Lineage.String()
	delete(c.pending, oldKey)

	next := p.Lineage.Next()
	c.log.Info().
		Str("agent", oldKey).
		Str("reborn_as", next.String()).
		Msg("agent state reconstructed")
	c.emit(Event{Kind: EventReconstructed, Lineage: oldKey, Detail: next.String()})

	if _, err := c.spawnEpoch(next, plaintext, p.Threshold, p.TotalFrags, p.PrevVessel, now); err != nil {
		// The secret is recovered but cannot be re-protected yet. Host it
		// anyway; the next failure-handling cycle retries distribution.
		c.log.Warn().Err(err).Str("agent", next.String()).Msg("hosting without fragment redistribution")
		vs := VesselStatus{
			BaseName:   next.BaseName,
			Nonce:      next.Nonce,
			Current:    c.id.PeerID,
			Next:       c.id.PeerID,
			Prev:       p.PrevVessel,
			Threshold:  p.Threshold,
			TotalFrags: p.TotalFrags,
		}
		c.pm.ApplyLocalVessel(vs, now)
		c.hosted[next.String()] = &hostedAgent{status: vs}
	}
	if err := c.store.DeleteFragsForLineage(p.Lineage); err != nil {
		c.log.Debug().Err(err).Msg("stale fragment cleanup failed")
	}
}

// SweepPending abandons attempts that outlived the respawn timeout and
// re-broadcasts requests for stalled ones. Returns abandoned lineage ids.
func (c *Coordinator) SweepPending(now time.Time) []string {
	var abandoned []string
	for key, p := range c.pending {
		if now.Sub(p.CreatedAt) > c.cfg.RespawnTimeout {
			delete(c.pending, key)
			abandoned = append(abandoned, key)
			c.log.Error().
				Str("agent", key).
				Int("collected", len(p.CFrags)).
				Int("threshold", p.Threshold).
				Msg("respawn abandoned: insufficient fragments before timeout")
			c.emit(Event{Kind: EventAbandoned, Lineage: key, Detail: fmt.Sprintf("%d/%d", len(p.CFrags), p.Threshold)})
			continue
		}
		if now.Sub(p.LastRequestAt) > c.cfg.RequestRetryInterval {
			p.LastRequestAt = now
			c.broadcastRequests(p)
		}
	}
	return abandoned
}

// reissueFragments re-sends a hosted agent's lost fragments to fresh live
// peers.
func (c *Coordinator) reissueFragments(lineage string, indices []int, now time.Time) {
	h, ok := c.hosted[lineage]
	if !ok {
		return
	}
	lin, err := identity.ParseLineage(lineage)
	if err != nil {
		return
	}
	current := c.pm.HoldersFor(lineage)
	inUse := make(map[string]bool, len(current))
	for _, holder := range current {
		inUse[holder] = true
	}
	candidates := c.pm.LivePeers(now, c.cfg.FailureTimeout)
	c.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	rev := identity.Reverie{
		ID:          h.status.ReverieID,
		Lineage:     lin,
		Threshold:   h.status.Threshold,
		TotalFrags:  h.status.TotalFrags,
		Capsule:     h.capsule,
		Ciphertext:  h.ciphertext,
		OwnerPK:     h.ownerPK,
		VerifyingPK: h.verifyingPK,
	}
	for _, index := range indices {
		kfBytes, ok := h.kfrags[index]
		if !ok {
			continue
		}
		replacement := ""
		for _, cand := range candidates {
			if !inUse[cand] && cand != h.status.Next {
				replacement = cand
				break
			}
		}
		if replacement == "" {
			c.log.Warn().Str("agent", lineage).Int("index", index).Msg("no live replacement holder")
			continue
		}
		if err := c.deliverFragment(replacement, rev, h.status, index, kfBytes); err != nil {
			c.log.Warn().Err(err).Str("holder", replacement).Msg("fragment re-issue failed")
			continue
		}
		inUse[replacement] = true
		c.pm.RecordFragmentDistribution(lineage, replacement, index)
		c.emit(Event{Kind: EventFragReissued, Lineage: lineage, Detail: replacement})
	}
}

// replaceNextVessel designates a fresh successor after the current one died.
func (c *Coordinator) replaceNextVessel(lineage string, h *hostedAgent, now time.Time) {
	failed := h.status.Next
	for _, cand := range c.pm.LivePeers(now, c.cfg.FailureTimeout) {
		if cand == failed || cand == c.id.PeerID {
			continue
		}
		h.status.Next = cand
		c.pm.ApplyLocalVessel(h.status, now)
		lin, err := identity.ParseLineage(lineage)
		if err != nil {
			return
		}
		rev := identity.Reverie{
			ID:          h.status.ReverieID,
			Lineage:     lin,
			Threshold:   h.status.Threshold,
			TotalFrags:  h.status.TotalFrags,
			Capsule:     h.capsule,
			Ciphertext:  h.ciphertext,
			OwnerPK:     h.ownerPK,
			VerifyingPK: h.verifyingPK,
		}
		if err := c.deliverFragment(cand, rev, h.status, VesselNoticeIndex, nil); err != nil {
			c.log.Warn().Err(err).Str("next_vessel", cand).Msg("vessel notice failed")
		}
		c.log.Info().Str("agent", lineage).Str("next_vessel", cand).Msg("designated new successor")
		return
	}
	c.log.Warn().Str("agent", lineage).Msg("no live candidate for next vessel")
}
