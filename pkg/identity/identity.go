// Package identity holds a node's long-lived cryptographic identity, agent
// lineage naming, and the sqlite-backed store for encrypted agent state and
// held key fragments.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.dedis.ch/kyber/v3"

	"vesselmesh/pkg/pre"
)

// NodeIdentity is created once at node start and is immutable for the
// process lifetime. The libp2p key pins the peer ID across restarts; the
// re-encryption and signing keypairs are what other peers learn from
// heartbeat summaries.
type NodeIdentity struct {
	PeerID   string
	NodeName string

	Libp2pKey crypto.PrivKey
	Encrypt   pre.KeyPair
	Signing   pre.SigningKeyPair
}

// PREPublicKey returns the node's re-encryption public key, the key cfrags
// are wrapped toward when this node requests a respawn.
func (id *NodeIdentity) PREPublicKey() kyber.Point { return id.Encrypt.Public }

// VerifyingKey returns the node's fragment-signing public key.
func (id *NodeIdentity) VerifyingKey() kyber.Point { return id.Signing.Verifying }

type identityKeyFile struct {
	Libp2p  []byte `cbor:"1,keyasint"`
	Encrypt []byte `cbor:"2,keyasint"`
	Signing []byte `cbor:"3,keyasint"`
}

// LoadOrCreate loads the node identity from dir/identity.key, generating and
// persisting a fresh one on first start.
func LoadOrCreate(dir, nodeName string) (*NodeIdentity, error) {
	keyPath := filepath.Join(dir, "identity.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		id, err := decodeIdentity(data, nodeName)
		if err == nil {
			return id, nil
		}
		// Corrupt key file: fall through and regenerate rather than refuse
		// to start.
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	id := &NodeIdentity{
		NodeName:  nodeName,
		Libp2pKey: priv,
		Encrypt:   pre.GenerateKeyPair(),
		Signing:   pre.GenerateSigningKeyPair(),
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	id.PeerID = pid.String()

	raw, err := encodeIdentity(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(keyPath, raw, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	return id, nil
}

func encodeIdentity(id *NodeIdentity) ([]byte, error) {
	lp, err := crypto.MarshalPrivateKey(id.Libp2pKey)
	if err != nil {
		return nil, fmt.Errorf("marshal libp2p key: %w", err)
	}
	return cbor.Marshal(identityKeyFile{
		Libp2p:  lp,
		Encrypt: pre.ScalarBytes(id.Encrypt.Secret),
		Signing: pre.ScalarBytes(id.Signing.Secret),
	})
}

func decodeIdentity(data []byte, nodeName string) (*NodeIdentity, error) {
	var f identityKeyFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(f.Libp2p)
	if err != nil {
		return nil, fmt.Errorf("decode libp2p key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	encSecret, err := pre.SecretFromBytes(f.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("decode encryption secret: %w", err)
	}
	sigSecret, err := pre.SecretFromBytes(f.Signing)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	enc := pre.KeyPairFromSecret(encSecret)
	sig := pre.SigningKeyPairFromSecret(sigSecret)
	return &NodeIdentity{
		PeerID:    pid.String(),
		NodeName:  nodeName,
		Libp2pKey: priv,
		Encrypt:   enc,
		Signing:   sig,
	}, nil
}
