package events

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/slipway-ml/slipway/internal/signing"
)

func newTestSigner(t *testing.T, signerID string) *signing.Ed25519Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := signing.NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(priv), signerID)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	return s
}

func lookupFor(s *signing.Ed25519Signer) KeyLookup {
	return func(signerID string) (ed25519.PublicKey, bool) {
		if signerID != s.SignerID() {
			return nil, false
		}
		return s.PublicKey(), true
	}
}

func TestMemoryLogChainsAndVerifies(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t, "release-signer-1")
	log := NewMemoryLog()

	payloads := []map[string]interface{}{
		{"runId": "r-1", "phase": "dev_running"},
		{"runId": "r-1", "phase": "awaiting_approval"},
		{"runId": "r-1", "phase": "succeeded", "modelVersion": 4},
	}
	for _, p := range payloads {
		if err := log.Append(ctx, &Event{EventType: "run.phase", Payload: p}, signer); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	evs := log.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].PrevHash != "" {
		t.Fatalf("first event must start the chain, got prev %q", evs[0].PrevHash)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].PrevHash != evs[i-1].Hash {
			t.Fatalf("event %d does not extend event %d", i, i-1)
		}
	}
	for _, ev := range evs {
		if ev.StreamStatus != StreamPending {
			t.Fatalf("new event should be pending, got %s", ev.StreamStatus)
		}
		if ev.SignerID != "release-signer-1" {
			t.Fatalf("unexpected signer id %s", ev.SignerID)
		}
	}

	if err := log.VerifyChain(ctx, lookupFor(signer)); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func TestVerifyEventsDetectsTamper(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t, "release-signer-1")
	log := NewMemoryLog()

	for i := 0; i < 3; i++ {
		ev := &Event{EventType: "run.phase", Payload: map[string]interface{}{"i": i}}
		if err := log.Append(ctx, ev, signer); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	evs := log.Events()
	evs[1].Payload = map[string]interface{}{"i": 99}
	if err := VerifyEvents(evs, lookupFor(signer)); err == nil {
		t.Fatalf("tampered payload must fail verification")
	}

	evs = log.Events()
	evs[2].PrevHash = evs[0].Hash
	if err := VerifyEvents(evs, lookupFor(signer)); err == nil {
		t.Fatalf("broken chain must fail verification")
	}

	evs = log.Events()
	if err := VerifyEvents(evs, func(string) (ed25519.PublicKey, bool) { return nil, false }); err == nil {
		t.Fatalf("unknown signer must fail verification")
	}
}

func TestMemoryLogOutbox(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t, "release-signer-1")
	log := NewMemoryLog()

	for i := 0; i < 2; i++ {
		if err := log.Append(ctx, &Event{EventType: "run.phase", Payload: map[string]interface{}{"i": i}}, signer); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	claimed, err := log.FetchPendingForStreaming(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	for _, ev := range claimed {
		if ev.StreamStatus != StreamInProgress || ev.Attempts != 1 {
			t.Fatalf("claim did not move event to in_progress: %+v", ev)
		}
	}

	// In-progress events are not claimable again.
	again, err := log.FetchPendingForStreaming(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("in-progress events must not be re-claimed, got %d", len(again))
	}

	if err := log.MarkStreamResult(ctx, claimed[0].ID, "releases/2026/08/25/a.json", true, ""); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if err := log.MarkStreamResult(ctx, claimed[1].ID, "", false, "kafka produce: broker down"); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	// Failed events become claimable again; sent ones do not.
	retry, err := log.FetchPendingForStreaming(ctx, 10)
	if err != nil {
		t.Fatalf("fetch retry: %v", err)
	}
	if len(retry) != 1 || retry[0].ID != claimed[1].ID {
		t.Fatalf("expected only the failed event to be re-claimed, got %+v", retry)
	}
	if retry[0].Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", retry[0].Attempts)
	}

	sent, err := log.Get(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sent.StreamStatus != StreamSent || sent.S3Key == "" {
		t.Fatalf("sent event not recorded: %+v", sent)
	}
}
