package mesh

import (
	"encoding/hex"
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VesselStatus is one agent lineage's vessel chain as some node believes it.
// The nonce makes every entry self-describing: a merge can reject stale
// entries without any global ordering.
type VesselStatus struct {
	BaseName   string `json:"baseName"`
	Nonce      uint64 `json:"nonce"`
	Current    string `json:"current"`
	Next       string `json:"next"`
	Prev       string `json:"prev,omitempty"`
	Threshold  int    `json:"threshold"`
	TotalFrags int    `json:"totalFrags"`
	ReverieID  string `json:"reverieId"`
}

// Lineage returns the "name-nonce" lineage id for this incarnation.
func (v VesselStatus) Lineage() string {
	return v.BaseName + "-" + strconv.FormatUint(v.Nonce, 10)
}

// HolderRecord says a peer was given a fragment for a lineage.
type HolderRecord struct {
	Lineage string `json:"lineage"`
	Index   int    `json:"index"`
	Holder  string `json:"holder"`
}

// CFragRecord says a holder's cfrag for a lineage has been observed.
type CFragRecord struct {
	Lineage string `json:"lineage"`
	Holder  string `json:"holder"`
	Digest  string `json:"digest"`
}

// Summary is everything a node currently believes, broadcast in every
// heartbeat and merged by every receiver.
type Summary struct {
	PeerID       string         `json:"peerId"`
	NodeName     string         `json:"nodeName"`
	PREPublicKey []byte         `json:"prePublicKey"`
	VerifyingKey []byte         `json:"verifyingKey"`
	Vessels      []VesselStatus `json:"vessels,omitempty"`
	Holders      []HolderRecord `json:"holders,omitempty"`
	CFrags       []CFragRecord  `json:"cfrags,omitempty"`
	SentAt       int64          `json:"sentAt"`
}

// CFragDigest is the bookkeeping digest for an observed cfrag.
func CFragDigest(cfrag []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(cfrag))
}
