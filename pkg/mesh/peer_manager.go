package mesh

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"vesselmesh/pkg/attest"
)

// PeerRecord is the local view of one remote peer.
type PeerRecord struct {
	PeerID          string
	NodeName        string
	PREPublicKey    []byte
	VerifyingKey    []byte
	LastHeartbeatAt time.Time
}

type vesselEntry struct {
	status     VesselStatus
	reportedBy string
	reportedAt time.Time
}

// PeerManager owns the node's eventually-consistent cluster view: peer
// liveness, agent vessel chains, and fragment bookkeeping. It is confined to
// the node's event loop and therefore lock-free; every mutation goes through
// its methods, never through shared references.
type PeerManager struct {
	self     string
	attestor attest.Attestor
	log      zerolog.Logger

	peers   map[string]*PeerRecord
	vessels map[string]vesselEntry // keyed by agent base name

	// kfragHolders: lineage -> fragment index -> holder peer.
	kfragHolders map[string]map[int]string
	// holderFrags: holder peer -> lineage -> fragment index. Kept so a dead
	// peer's fragment entries can be dropped in one pass.
	holderFrags map[string]map[string]int
	// cfragsSeen: lineage -> holder -> cfrag digest.
	cfragsSeen map[string]map[string]string
}

func NewPeerManager(self string, attestor attest.Attestor, log zerolog.Logger) *PeerManager {
	return &PeerManager{
		self:         self,
		attestor:     attestor,
		log:          log.With().Str("component", "peer_manager").Logger(),
		peers:        make(map[string]*PeerRecord),
		vessels:      make(map[string]vesselEntry),
		kfragHolders: make(map[string]map[int]string),
		holderFrags:  make(map[string]map[string]int),
		cfragsSeen:   make(map[string]map[string]string),
	}
}

// IngestHeartbeat verifies and merges a remote summary. On any verification
// failure the heartbeat is discarded and the sender's liveness is NOT
// refreshed. The record is keyed by the summary's own signed peer ID, not
// the transport-level sender: gossip may deliver through a relay.
func (pm *PeerManager) IngestHeartbeat(body HeartbeatBody, now time.Time) (Summary, error) {
	sum, err := OpenHeartbeat(body, pm.attestor)
	if err != nil {
		return Summary{}, err
	}
	if sum.PeerID == pm.self {
		return sum, nil // own broadcast echoed back
	}

	rec, ok := pm.peers[sum.PeerID]
	if !ok {
		rec = &PeerRecord{PeerID: sum.PeerID}
		pm.peers[sum.PeerID] = rec
	}
	rec.NodeName = sum.NodeName
	rec.PREPublicKey = sum.PREPublicKey
	rec.VerifyingKey = sum.VerifyingKey
	rec.LastHeartbeatAt = now

	for _, vs := range sum.Vessels {
		if err := pm.mergeVessel(vs, sum.PeerID, now); err != nil {
			// Stale entries are expected during convergence; drop silently.
			continue
		}
	}
	for _, h := range sum.Holders {
		pm.recordHolder(h.Lineage, h.Index, h.Holder)
	}
	for _, c := range sum.CFrags {
		pm.recordCFrag(c.Lineage, c.Holder, c.Digest)
	}
	return sum, nil
}

// mergeVessel applies last-writer-wins-by-nonce: a higher nonce always
// supersedes; an equal nonce keeps the most recently heard-from source; a
// lower nonce is stale.
func (pm *PeerManager) mergeVessel(vs VesselStatus, reportedBy string, now time.Time) error {
	cur, ok := pm.vessels[vs.BaseName]
	if ok && vs.Nonce < cur.status.Nonce {
		return ErrStaleUpdate
	}
	if ok && vs.Nonce > cur.status.Nonce {
		pm.log.Debug().
			Str("agent", vs.Lineage()).
			Str("current_vessel", vs.Current).
			Msg("vessel chain advanced")
	}
	pm.vessels[vs.BaseName] = vesselEntry{status: vs, reportedBy: reportedBy, reportedAt: now}
	return nil
}

// MergeVesselReport merges a vessel chain learned outside heartbeats (e.g.
// from a fragment delivery), under the same LWW-by-nonce rule.
func (pm *PeerManager) MergeVesselReport(vs VesselStatus, reportedBy string, now time.Time) {
	_ = pm.mergeVessel(vs, reportedBy, now)
}

// ApplyLocalVessel records a vessel transition performed by this node's own
// coordinator (spawn or completed respawn).
func (pm *PeerManager) ApplyLocalVessel(vs VesselStatus, now time.Time) {
	pm.vessels[vs.BaseName] = vesselEntry{status: vs, reportedBy: pm.self, reportedAt: now}
}

// RecordFragmentDistribution books a delivered fragment.
func (pm *PeerManager) RecordFragmentDistribution(lineage string, holder string, index int) {
	pm.recordHolder(lineage, index, holder)
}

func (pm *PeerManager) recordHolder(lineage string, index int, holder string) {
	frags, ok := pm.kfragHolders[lineage]
	if !ok {
		frags = make(map[int]string)
		pm.kfragHolders[lineage] = frags
	}
	frags[index] = holder

	byHolder, ok := pm.holderFrags[holder]
	if !ok {
		byHolder = make(map[string]int)
		pm.holderFrags[holder] = byHolder
	}
	byHolder[lineage] = index
}

// RecordCFragObserved books a cfrag seen for a lineage.
func (pm *PeerManager) RecordCFragObserved(lineage, holder, digest string) {
	pm.recordCFrag(lineage, holder, digest)
}

func (pm *PeerManager) recordCFrag(lineage, holder, digest string) {
	seen, ok := pm.cfragsSeen[lineage]
	if !ok {
		seen = make(map[string]string)
		pm.cfragsSeen[lineage] = seen
	}
	seen[holder] = digest
}

// DropPeerFragments forgets fragment bookkeeping for a dead holder, leaving
// the lineage's remaining holders intact.
func (pm *PeerManager) DropPeerFragments(holder string) {
	for lineage, index := range pm.holderFrags[holder] {
		if frags, ok := pm.kfragHolders[lineage]; ok && frags[index] == holder {
			delete(frags, index)
		}
	}
	delete(pm.holderFrags, holder)
}

// HoldersFor returns fragment index -> holder for a lineage.
func (pm *PeerManager) HoldersFor(lineage string) map[int]string {
	out := make(map[int]string, len(pm.kfragHolders[lineage]))
	for i, p := range pm.kfragHolders[lineage] {
		out[i] = p
	}
	return out
}

// Vessel returns the believed vessel chain for an agent base name.
func (pm *PeerManager) Vessel(baseName string) (VesselStatus, bool) {
	e, ok := pm.vessels[baseName]
	return e.status, ok
}

// VesselsHostedBy lists agents whose current vessel is the given peer.
func (pm *PeerManager) VesselsHostedBy(peerID string) []VesselStatus {
	var out []VesselStatus
	for _, e := range pm.vessels {
		if e.status.Current == peerID {
			out = append(out, e.status)
		}
	}
	return out
}

// Peer returns the record for a peer, if any.
func (pm *PeerManager) Peer(peerID string) (PeerRecord, bool) {
	rec, ok := pm.peers[peerID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// LivePeers returns peers heard from within timeout, sorted for
// deterministic selection.
func (pm *PeerManager) LivePeers(now time.Time, timeout time.Duration) []string {
	out := make([]string, 0, len(pm.peers))
	for id, rec := range pm.peers {
		if now.Sub(rec.LastHeartbeatAt) <= timeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LastSeen returns the age of each known peer's latest heartbeat.
func (pm *PeerManager) LastSeen(now time.Time) map[string]time.Duration {
	out := make(map[string]time.Duration, len(pm.peers))
	for id, rec := range pm.peers {
		out[id] = now.Sub(rec.LastHeartbeatAt)
	}
	return out
}

// Snapshot serializes everything this node currently believes, for heartbeat
// broadcast and the observability feed. The returned value shares nothing
// with the manager's maps.
func (pm *PeerManager) Snapshot(id SummaryIdentity, now time.Time) Summary {
	sum := Summary{
		PeerID:       id.PeerID,
		NodeName:     id.NodeName,
		PREPublicKey: id.PREPublicKey,
		VerifyingKey: id.VerifyingKey,
		SentAt:       now.UnixMilli(),
	}
	for _, e := range pm.vessels {
		sum.Vessels = append(sum.Vessels, e.status)
	}
	sort.Slice(sum.Vessels, func(i, j int) bool { return sum.Vessels[i].BaseName < sum.Vessels[j].BaseName })

	for lineage, frags := range pm.kfragHolders {
		for index, holder := range frags {
			sum.Holders = append(sum.Holders, HolderRecord{Lineage: lineage, Index: index, Holder: holder})
		}
	}
	sort.Slice(sum.Holders, func(i, j int) bool {
		a, b := sum.Holders[i], sum.Holders[j]
		if a.Lineage != b.Lineage {
			return a.Lineage < b.Lineage
		}
		return a.Index < b.Index
	})

	for lineage, seen := range pm.cfragsSeen {
		for holder, digest := range seen {
			sum.CFrags = append(sum.CFrags, CFragRecord{Lineage: lineage, Holder: holder, Digest: digest})
		}
	}
	sort.Slice(sum.CFrags, func(i, j int) bool {
		a, b := sum.CFrags[i], sum.CFrags[j]
		if a.Lineage != b.Lineage {
			return a.Lineage < b.Lineage
		}
		return a.Holder < b.Holder
	})
	return sum
}

// SummaryIdentity is the identity block stamped onto every snapshot.
type SummaryIdentity struct {
	PeerID       string
	NodeName     string
	PREPublicKey []byte
	VerifyingKey []byte
}
