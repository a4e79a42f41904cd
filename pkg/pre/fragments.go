package pre

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/schnorr"
)

// KFrag is one of n fragments of a delegating secret key, delivered
// point-to-point to a single holder. Commit = Share*G is signed together
// with the index so a holder (and later the requester, via the cfrag) can
// verify the fragment came from the original encryptor.
type KFrag struct {
	Index  int
	Share  kyber.Scalar
	Commit kyber.Point
	Sig    []byte
}

// CFrag is a capsule fragment: the result of applying one kfrag to a capsule
// on behalf of a requester. It is deterministic over its inputs, so replayed
// re-encryption requests produce byte-identical fragments.
type CFrag struct {
	Index  int
	R      kyber.Point
	W      kyber.Point
	Commit kyber.Point
	Sig    []byte
}

// SplitKey fragments the delegating secret into n kfrags with reconstruction
// threshold t. Any t fragments applied to a capsule recover the KEM secret;
// fewer reveal nothing (Shamir).
func SplitKey(secret kyber.Scalar, signer SigningKeyPair, t, n int) ([]KFrag, error) {
	if t < 1 || t > n {
		return nil, fmt.Errorf("%w: t=%d n=%d", ErrBadThreshold, t, n)
	}
	poly := share.NewPriPoly(suite, t, secret, suite.RandomStream())
	commits := poly.Commit(nil)

	frags := make([]KFrag, 0, n)
	for _, s := range poly.Shares(n) {
		commit := commits.Eval(s.I).V
		sig, err := schnorr.Sign(suite, signer.Secret, fragDigest(s.I, commit))
		if err != nil {
			return nil, fmt.Errorf("sign kfrag %d: %w", s.I, err)
		}
		frags = append(frags, KFrag{Index: s.I, Share: s.V, Commit: commit, Sig: sig})
	}
	return frags, nil
}

// Verify checks the fragment signature against the encryptor's verifying key
// and the share against its signed commitment.
func (k KFrag) Verify(verifying kyber.Point) error {
	if err := schnorr.Verify(suite, verifying, fragDigest(k.Index, k.Commit), k.Sig); err != nil {
		return fmt.Errorf("%w: kfrag %d: %v", ErrInvalidFragment, k.Index, err)
	}
	if !suite.Point().Mul(k.Share, nil).Equal(k.Commit) {
		return fmt.Errorf("%w: kfrag %d share does not match commitment", ErrInvalidFragment, k.Index)
	}
	return nil
}

// ReEncrypt applies a kfrag to a capsule on behalf of requesterPub. Pure and
// deterministic: identical inputs yield identical bytes. The share's
// contribution Share*E is ElGamal-wrapped to the requester with a blinding
// scalar derived from the inputs, so the fragment is useless to observers.
func ReEncrypt(capsule Capsule, kfrag KFrag, requesterPub kyber.Point) CFrag {
	u := suite.Point().Mul(kfrag.Share, capsule.E)

	seed := make([]byte, 0, 128)
	seed = append(seed, []byte("vesselmesh/pre/reencrypt/v1")...)
	seed = append(seed, ScalarBytes(kfrag.Share)...)
	seed = append(seed, PointBytes(capsule.E)...)
	seed = append(seed, PointBytes(requesterPub)...)
	r := suite.Scalar().Pick(suite.XOF(seed))

	return CFrag{
		Index:  kfrag.Index,
		R:      suite.Point().Mul(r, nil),
		W:      suite.Point().Add(u, suite.Point().Mul(r, requesterPub)),
		Commit: kfrag.Commit,
		Sig:    kfrag.Sig,
	}
}

// Verify checks the embedded encryptor signature over (index, commitment).
func (c CFrag) Verify(verifying kyber.Point) error {
	if err := schnorr.Verify(suite, verifying, fragDigest(c.Index, c.Commit), c.Sig); err != nil {
		return fmt.Errorf("%w: cfrag %d: %v", ErrInvalidFragment, c.Index, err)
	}
	return nil
}

func fragDigest(index int, commit kyber.Point) []byte {
	msg := make([]byte, 8, 8+32)
	binary.BigEndian.PutUint64(msg, uint64(index))
	return append(msg, PointBytes(commit)...)
}

type kfragWire struct {
	Index  int    `cbor:"1,keyasint"`
	Share  []byte `cbor:"2,keyasint"`
	Commit []byte `cbor:"3,keyasint"`
	Sig    []byte `cbor:"4,keyasint"`
}

func (k KFrag) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(kfragWire{
		Index:  k.Index,
		Share:  ScalarBytes(k.Share),
		Commit: PointBytes(k.Commit),
		Sig:    k.Sig,
	})
}

func (k *KFrag) UnmarshalBinary(data []byte) error {
	var w kfragWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode kfrag: %w", err)
	}
	sh, err := SecretFromBytes(w.Share)
	if err != nil {
		return fmt.Errorf("decode kfrag share: %w", err)
	}
	commit, err := PublicKeyFromBytes(w.Commit)
	if err != nil {
		return fmt.Errorf("decode kfrag commit: %w", err)
	}
	*k = KFrag{Index: w.Index, Share: sh, Commit: commit, Sig: w.Sig}
	return nil
}

type cfragWire struct {
	Index  int    `cbor:"1,keyasint"`
	R      []byte `cbor:"2,keyasint"`
	W      []byte `cbor:"3,keyasint"`
	Commit []byte `cbor:"4,keyasint"`
	Sig    []byte `cbor:"5,keyasint"`
}

func (c CFrag) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(cfragWire{
		Index:  c.Index,
		R:      PointBytes(c.R),
		W:      PointBytes(c.W),
		Commit: PointBytes(c.Commit),
		Sig:    c.Sig,
	})
}

func (c *CFrag) UnmarshalBinary(data []byte) error {
	var w cfragWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode cfrag: %w", err)
	}
	r, err := PublicKeyFromBytes(w.R)
	if err != nil {
		return fmt.Errorf("decode cfrag R: %w", err)
	}
	wp, err := PublicKeyFromBytes(w.W)
	if err != nil {
		return fmt.Errorf("decode cfrag W: %w", err)
	}
	commit, err := PublicKeyFromBytes(w.Commit)
	if err != nil {
		return fmt.Errorf("decode cfrag commit: %w", err)
	}
	*c = CFrag{Index: w.Index, R: r, W: wp, Commit: commit, Sig: w.Sig}
	return nil
}
