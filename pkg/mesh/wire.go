package mesh

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/pre"
)

// Envelope is the versioned tagged-variant wrapper for every mesh message.
// Bodies are CBOR: fragment traffic is mostly raw curve points and
// ciphertext, so a binary codec keeps it compact. Payloads are decoded into
// typed structs immediately on ingestion; nothing downstream sees raw bytes.
type Envelope struct {
	Kind    string `cbor:"1,keyasint"`
	Version int    `cbor:"2,keyasint"`
	From    string `cbor:"3,keyasint"`
	Body    []byte `cbor:"4,keyasint"`
}

const (
	envelopeVersion = 1

	KindHeartbeat     = "heartbeat"
	KindKFrag         = "kfrag"
	KindCFragRequest  = "cfrag-request"
	KindCFragResponse = "cfrag-response"
)

// EncodeEnvelope wraps a CBOR-marshalable body.
func EncodeEnvelope(kind, from string, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return cbor.Marshal(Envelope{Kind: kind, Version: envelopeVersion, From: from, Body: raw})
}

// DecodeEnvelope parses the outer wrapper; the caller dispatches on Kind.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return Envelope{}, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	return env, nil
}

// SignedPacket carries a heartbeat summary. Data is the JSON-encoded Summary
// kept as a string so the signature covers the exact bytes on the wire.
type SignedPacket struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
	PeerID    string `json:"peerId"`
}

// HeartbeatBody binds a signed summary to an attestation quote. The quote's
// report data is the digest of the packet payload, so a quote cannot be
// replayed onto a different summary.
type HeartbeatBody struct {
	Packet SignedPacket `cbor:"1,keyasint"`
	Quote  attest.Quote `cbor:"2,keyasint"`
}

// NewHeartbeatBody signs the summary and obtains a quote over its digest.
func NewHeartbeatBody(sum Summary, signer pre.SigningKeyPair, attestor attest.Attestor) (HeartbeatBody, error) {
	data, err := json.Marshal(sum)
	if err != nil {
		return HeartbeatBody{}, fmt.Errorf("encode summary: %w", err)
	}
	sig, err := pre.Sign(signer, data)
	if err != nil {
		return HeartbeatBody{}, fmt.Errorf("sign summary: %w", err)
	}
	quote, err := attestor.Quote(ethcrypto.Keccak256(data))
	if err != nil {
		return HeartbeatBody{}, fmt.Errorf("quote summary: %w", err)
	}
	return HeartbeatBody{
		Packet: SignedPacket{
			Data:      string(data),
			Signature: base64.StdEncoding.EncodeToString(sig),
			PeerID:    sum.PeerID,
		},
		Quote: quote,
	}, nil
}

// OpenHeartbeat verifies the quote and signature and returns the summary.
// Verification failure means the heartbeat is discarded; it never refreshes
// liveness.
func OpenHeartbeat(body HeartbeatBody, attestor attest.Attestor) (Summary, error) {
	data := []byte(body.Packet.Data)
	if err := attestor.Verify(body.Quote); err != nil {
		return Summary{}, err
	}
	if string(body.Quote.ReportData) != string(ethcrypto.Keccak256(data)) {
		return Summary{}, fmt.Errorf("%w: quote not bound to summary", attest.ErrRejected)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(body.Packet.Signature)
	if err != nil {
		return Summary{}, fmt.Errorf("decode summary signature: %w", err)
	}
	if err := pre.VerifyBytes(sum.VerifyingKey, data, sig); err != nil {
		return Summary{}, fmt.Errorf("summary signature: %w", err)
	}
	if sum.PeerID != body.Packet.PeerID {
		return Summary{}, fmt.Errorf("summary peer mismatch: %s vs %s", sum.PeerID, body.Packet.PeerID)
	}
	return sum, nil
}

// FragmentDelivery hands a holder its kfrag together with the encrypted
// reverie it guards. Index -1 is a vessel notice: the successor receives the
// reverie replica without any key material.
type FragmentDelivery struct {
	ReverieID   string `cbor:"1,keyasint"`
	Lineage     string `cbor:"2,keyasint"`
	Index       int    `cbor:"3,keyasint"`
	Threshold   int    `cbor:"4,keyasint"`
	TotalFrags  int    `cbor:"5,keyasint"`
	KFrag       []byte `cbor:"6,keyasint,omitempty"`
	Capsule     []byte `cbor:"7,keyasint"`
	Ciphertext  []byte `cbor:"8,keyasint"`
	VerifyingPK []byte `cbor:"9,keyasint"`
	OwnerPK     []byte `cbor:"10,keyasint"`
	Vessel      string `cbor:"11,keyasint"`
	NextVessel  string `cbor:"12,keyasint"`
}

// VesselNoticeIndex marks a FragmentDelivery that carries no kfrag.
const VesselNoticeIndex = -1

// CFragRequest asks a holder to re-encrypt its fragment toward the
// requester. Requests are idempotent: the same request may be re-sent after
// a missed response and yields the identical cfrag.
type CFragRequest struct {
	ReverieID    string `cbor:"1,keyasint"`
	Lineage      string `cbor:"2,keyasint"`
	Capsule      []byte `cbor:"3,keyasint"`
	RequesterPub []byte `cbor:"4,keyasint"`
	Requester    string `cbor:"5,keyasint"`
	Sig          []byte `cbor:"6,keyasint"`
}

// SigningBytes is the digest the requester signs.
func (r CFragRequest) SigningBytes() []byte {
	return ethcrypto.Keccak256(
		[]byte(r.ReverieID), []byte(r.Lineage), r.Capsule, r.RequesterPub, []byte(r.Requester),
	)
}

// CFragResponse returns one holder's capsule fragment.
type CFragResponse struct {
	ReverieID string `cbor:"1,keyasint"`
	Lineage   string `cbor:"2,keyasint"`
	Index     int    `cbor:"3,keyasint"`
	CFrag     []byte `cbor:"4,keyasint"`
	Holder    string `cbor:"5,keyasint"`
}

func decodeBody[T any](env Envelope) (T, error) {
	var body T
	if err := cbor.Unmarshal(env.Body, &body); err != nil {
		return body, fmt.Errorf("decode %s body: %w", env.Kind, err)
	}
	return body, nil
}
