// Package pre implements threshold proxy re-encryption: a secret encrypted
// for an agent can be re-encrypted toward a new recipient by fragment
// holders, t-of-n of whom are enough to reconstruct the plaintext. No holder
// ever sees the delegating secret key or the plaintext.
package pre

import (
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
)

var suite = suites.MustFind("Ed25519")

var (
	// ErrInsufficientFragments is returned when fewer than threshold valid
	// capsule fragments are available for reconstruction.
	ErrInsufficientFragments = errors.New("pre: insufficient capsule fragments")
	// ErrInvalidFragment is returned when a fragment fails its signature or
	// commitment check.
	ErrInvalidFragment = errors.New("pre: invalid fragment")
	// ErrVerificationFailed is returned when the reconstructed key fails to
	// authenticate the ciphertext.
	ErrVerificationFailed = errors.New("pre: ciphertext verification failed")
	// ErrBadThreshold is returned by SplitKey for threshold/total combinations
	// outside 1 <= t <= n.
	ErrBadThreshold = errors.New("pre: threshold must satisfy 1 <= t <= n")
)

// KeyPair is an encryption keypair on the engine's curve.
type KeyPair struct {
	Secret kyber.Scalar
	Public kyber.Point
}

// PublicBytes returns the encoded public key.
func (k KeyPair) PublicBytes() []byte { return PointBytes(k.Public) }

// SigningKeyPair signs key and capsule fragments so that recipients can
// reject forged or corrupted fragments.
type SigningKeyPair struct {
	Secret    kyber.Scalar
	Verifying kyber.Point
}

// VerifyingBytes returns the encoded verification key.
func (k SigningKeyPair) VerifyingBytes() []byte { return PointBytes(k.Verifying) }

// GenerateKeyPair creates a fresh encryption keypair.
func GenerateKeyPair() KeyPair {
	s := suite.Scalar().Pick(suite.RandomStream())
	return KeyPair{Secret: s, Public: suite.Point().Mul(s, nil)}
}

// GenerateSigningKeyPair creates a fresh fragment-signing keypair.
func GenerateSigningKeyPair() SigningKeyPair {
	s := suite.Scalar().Pick(suite.RandomStream())
	return SigningKeyPair{Secret: s, Verifying: suite.Point().Mul(s, nil)}
}

// KeyPairFromSecret rebuilds a keypair from a persisted secret scalar.
func KeyPairFromSecret(s kyber.Scalar) KeyPair {
	return KeyPair{Secret: s, Public: suite.Point().Mul(s, nil)}
}

// SigningKeyPairFromSecret rebuilds a signing keypair from a persisted secret.
func SigningKeyPairFromSecret(s kyber.Scalar) SigningKeyPair {
	return SigningKeyPair{Secret: s, Verifying: suite.Point().Mul(s, nil)}
}

// PublicKeyFromBytes decodes a public key previously encoded with PointBytes.
func PublicKeyFromBytes(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

// SecretFromBytes decodes a secret scalar previously encoded with ScalarBytes.
func SecretFromBytes(b []byte) (kyber.Scalar, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return s, nil
}

// PointBytes encodes a point; panics only on unmarshalable custom points,
// which the engine never produces.
func PointBytes(p kyber.Point) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// ScalarBytes encodes a scalar.
func ScalarBytes(s kyber.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}
