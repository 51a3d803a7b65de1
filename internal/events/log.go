package events

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slipway-ml/slipway/internal/canonical"
	"github.com/slipway-ml/slipway/internal/signing"
)

var ErrNotFound = errors.New("event not found")

// Log appends, reads, and claims release events. Append seals the event
// into the hash chain before persisting it.
type Log interface {
	Append(ctx context.Context, ev *Event, s signing.Signer) error
	Get(ctx context.Context, id string) (*Event, error)
	// FetchPendingForStreaming claims up to limit undelivered events,
	// moving them to in_progress so concurrent streamers never double-send.
	FetchPendingForStreaming(ctx context.Context, limit int) ([]*Event, error)
	// MarkStreamResult records the delivery outcome for a claimed event.
	MarkStreamResult(ctx context.Context, id string, s3Key string, ok bool, streamErr string) error
}

// chainHash computes sha256(canonical(payload) || prevHashBytes).
func chainHash(payload interface{}, prevHash string) ([]byte, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	concat := append([]byte(nil), canon...)
	if prevHash != "" {
		prevBytes, err := hex.DecodeString(prevHash)
		if err != nil {
			return nil, fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	sum := sha256.Sum256(concat)
	return sum[:], nil
}

// sealEvent fills in the chain and signature fields of a new event.
func sealEvent(ctx context.Context, ev *Event, prevHash string, s signing.Signer) error {
	sum, err := chainHash(ev.Payload, prevHash)
	if err != nil {
		return err
	}
	sig, err := s.Sign(ctx, sum)
	if err != nil {
		return fmt.Errorf("sign hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.PrevHash = prevHash
	ev.Hash = hex.EncodeToString(sum)
	ev.Signature = base64.StdEncoding.EncodeToString(sig)
	ev.SignerID = s.SignerID()
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	ev.StreamStatus = StreamPending
	return nil
}

// KeyLookup resolves a signer id to its ed25519 public key.
type KeyLookup func(signerID string) (ed25519.PublicKey, bool)

// VerifyEvents walks events in append order and checks both the hash chain
// and every signature. It returns the first problem found.
func VerifyEvents(events []*Event, lookup KeyLookup) error {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("event %s (index %d): prev hash %q does not extend %q", ev.ID, i, ev.PrevHash, prev)
		}
		sum, err := chainHash(ev.Payload, ev.PrevHash)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if hex.EncodeToString(sum) != ev.Hash {
			return fmt.Errorf("event %s (type=%s): hash mismatch", ev.ID, ev.EventType)
		}

		pub, ok := lookup(ev.SignerID)
		if !ok {
			return fmt.Errorf("event %s: unknown signer %s", ev.ID, ev.SignerID)
		}
		sig, err := base64.StdEncoding.DecodeString(ev.Signature)
		if err != nil {
			return fmt.Errorf("event %s: invalid signature encoding: %w", ev.ID, err)
		}
		if !ed25519.Verify(pub, sum, sig) {
			return fmt.Errorf("event %s: signature verification failed for signer %s", ev.ID, ev.SignerID)
		}
		prev = ev.Hash
	}
	return nil
}
