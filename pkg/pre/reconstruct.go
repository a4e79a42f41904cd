package pre

import (
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
)

// Reconstruct recovers the plaintext from threshold-many capsule fragments.
// Fragments that fail the encryptor-signature check, or that duplicate an
// already-seen index, are dropped before counting toward the threshold.
// Fewer than t surviving fragments fail fast with ErrInsufficientFragments;
// no partial plaintext is ever returned.
func Reconstruct(
	capsule Capsule,
	ciphertext []byte,
	cfrags []CFrag,
	recipientSecret kyber.Scalar,
	verifying kyber.Point,
	threshold int,
) ([]byte, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: t=%d", ErrBadThreshold, threshold)
	}

	seen := make(map[int]bool, len(cfrags))
	shares := make([]*share.PubShare, 0, len(cfrags))
	for _, cf := range cfrags {
		if seen[cf.Index] {
			continue
		}
		if err := cf.Verify(verifying); err != nil {
			continue
		}
		seen[cf.Index] = true
		// Unwrap the holder's contribution: U = W - b*R.
		u := suite.Point().Sub(cf.W, suite.Point().Mul(recipientSecret, cf.R))
		shares = append(shares, &share.PubShare{I: cf.Index, V: u})
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d valid, need %d", ErrInsufficientFragments, len(shares), threshold)
	}

	shared, err := share.RecoverCommit(suite, shares, threshold, len(shares))
	if err != nil {
		return nil, fmt.Errorf("recover shared point: %w", err)
	}
	return openWithShared(shared, capsule, ciphertext)
}
