package pre

import (
	"fmt"

	"go.dedis.ch/kyber/v3/sign/schnorr"
)

// Sign signs msg with the fragment-signing key. Also used for heartbeat and
// request authentication at the mesh layer.
func Sign(signer SigningKeyPair, msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, signer.Secret, msg)
}

// VerifyBytes checks sig over msg against an encoded verifying key.
func VerifyBytes(verifying, msg, sig []byte) error {
	pub, err := PublicKeyFromBytes(verifying)
	if err != nil {
		return fmt.Errorf("decode verifying key: %w", err)
	}
	return schnorr.Verify(suite, pub, msg, sig)
}
