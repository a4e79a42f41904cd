// Package attest abstracts enclave attestation. The mesh consumes quotes as
// opaque evidence that a peer runs approved code; a failed verification means
// the heartbeat is discarded, never that the node crashes.
package attest

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrRejected is returned when a quote fails verification.
var ErrRejected = errors.New("attest: quote rejected")

// Quote is hardware-issued (or, for the dev attestor, key-issued) evidence
// binding ReportData to a measured enclave state.
type Quote struct {
	Measurement []byte `json:"measurement"`
	ReportData  []byte `json:"reportData"`
	SignerKey   []byte `json:"signerKey"`
	Signature   []byte `json:"signature"`
	IssuedAt    int64  `json:"issuedAt"`
}

// Attestor produces and verifies quotes.
type Attestor interface {
	Quote(reportData []byte) (Quote, error)
	Verify(q Quote) error
}

// DevAttestor signs quotes with a local secp256k1 key and accepts quotes
// from any signer whose measurement is on the trusted list. It stands in for
// a real TEE quoting enclave in tests and local clusters.
type DevAttestor struct {
	key         *ecdsa.PrivateKey
	measurement []byte
	trusted     map[string]bool
}

// NewDevAttestor creates an attestor with the given measurement. Its own
// measurement is always trusted; extra trusted measurements may be supplied.
func NewDevAttestor(measurement []byte, trusted ...[]byte) (*DevAttestor, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate attestation key: %w", err)
	}
	a := &DevAttestor{
		key:         key,
		measurement: append([]byte(nil), measurement...),
		trusted:     map[string]bool{string(measurement): true},
	}
	for _, m := range trusted {
		a.trusted[string(m)] = true
	}
	return a, nil
}

func (a *DevAttestor) Quote(reportData []byte) (Quote, error) {
	q := Quote{
		Measurement: append([]byte(nil), a.measurement...),
		ReportData:  append([]byte(nil), reportData...),
		SignerKey:   ethcrypto.CompressPubkey(&a.key.PublicKey),
		IssuedAt:    time.Now().UnixMilli(),
	}
	sig, err := ethcrypto.Sign(quoteDigest(q), a.key)
	if err != nil {
		return Quote{}, fmt.Errorf("sign quote: %w", err)
	}
	q.Signature = sig
	return q, nil
}

func (a *DevAttestor) Verify(q Quote) error {
	if len(q.Signature) < 64 || len(q.SignerKey) == 0 {
		return fmt.Errorf("%w: malformed quote", ErrRejected)
	}
	if !a.trusted[string(q.Measurement)] {
		return fmt.Errorf("%w: untrusted measurement", ErrRejected)
	}
	if !ethcrypto.VerifySignature(q.SignerKey, quoteDigest(q), q.Signature[:64]) {
		return fmt.Errorf("%w: bad signature", ErrRejected)
	}
	return nil
}

func quoteDigest(q Quote) []byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(q.IssuedAt))
	return ethcrypto.Keccak256(q.Measurement, q.ReportData, q.SignerKey, ts)
}
