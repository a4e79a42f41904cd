package mesh

import (
	"time"

	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/pre"
)

// PendingRespawn tracks one in-flight reconstruction attempt from the
// successor's perspective. Keyed by the failed epoch's lineage id, so a
// re-triggered failure event updates the existing entry instead of creating
// a duplicate.
type PendingRespawn struct {
	Lineage     identity.Lineage
	ReverieID   string
	PrevVessel  string
	Threshold   int
	TotalFrags  int
	Capsule     pre.Capsule
	Ciphertext  []byte
	VerifyingPK []byte

	// CFrags accumulates at most one fragment per holder; duplicates from
	// the same holder are ignored, not double-counted.
	CFrags map[string]pre.CFrag

	CreatedAt     time.Time
	LastRequestAt time.Time
}

func (p *PendingRespawn) collected() []pre.CFrag {
	out := make([]pre.CFrag, 0, len(p.CFrags))
	for _, cf := range p.CFrags {
		out = append(out, cf)
	}
	return out
}
