package pre

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Capsule is the ciphertext header required for re-encryption. It carries the
// ephemeral KEM point; the symmetric key is derivable only with the
// delegating secret or with threshold-many capsule fragments.
type Capsule struct {
	E kyber.Point
}

type capsuleWire struct {
	E []byte `cbor:"1,keyasint"`
}

func (c Capsule) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(capsuleWire{E: PointBytes(c.E)})
}

func (c *Capsule) UnmarshalBinary(data []byte) error {
	var w capsuleWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode capsule: %w", err)
	}
	e, err := PublicKeyFromBytes(w.E)
	if err != nil {
		return fmt.Errorf("decode capsule point: %w", err)
	}
	c.E = e
	return nil
}

// Encrypt seals plaintext for the holder of the secret matching pub. The
// returned capsule is required for both direct decryption and re-encryption.
func Encrypt(pub kyber.Point, plaintext []byte) (Capsule, []byte, error) {
	e := suite.Scalar().Pick(suite.RandomStream())
	capsule := Capsule{E: suite.Point().Mul(e, nil)}
	shared := suite.Point().Mul(e, pub)

	key, err := capsuleKey(shared, capsule.E)
	if err != nil {
		return Capsule{}, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Capsule{}, nil, err
	}
	// Zero nonce: the key is unique per capsule.
	nonce := make([]byte, aead.NonceSize())
	return capsule, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext directly with the delegating secret key.
func Decrypt(secret kyber.Scalar, capsule Capsule, ciphertext []byte) ([]byte, error) {
	shared := suite.Point().Mul(secret, capsule.E)
	return openWithShared(shared, capsule, ciphertext)
}

func openWithShared(shared kyber.Point, capsule Capsule, ciphertext []byte) ([]byte, error) {
	key, err := capsuleKey(shared, capsule.E)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	return plaintext, nil
}

func capsuleKey(shared, e kyber.Point) ([]byte, error) {
	r := hkdf.New(sha256.New, PointBytes(shared), PointBytes(e), []byte("vesselmesh/pre/v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
