package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Signer creates detached signatures over release-event hashes.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	signerID   string
}

// NewEd25519SignerFromB64 builds a signer from a base64-encoded ed25519
// private key, the form the key is carried in configuration.
func NewEd25519SignerFromB64(b64Key, signerID string) (*Ed25519Signer, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("decode signer private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length: got %d want %d", len(keyBytes), ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{
		privateKey: ed25519.PrivateKey(keyBytes),
		signerID:   signerID,
	}, nil
}

func (s *Ed25519Signer) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	// Context reserved for remote signer backends.
	_ = ctx
	return ed25519.Sign(s.privateKey, payload), nil
}

func (s *Ed25519Signer) SignerID() string {
	return s.signerID
}

// PublicKey exposes the verification half of the key pair.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}
