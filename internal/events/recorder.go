package events

import (
	"context"
	"log"

	"github.com/slipway-ml/slipway/internal/signing"
)

// Recorder is the fire-and-forget front of the release log. Recording is
// best effort: a failed append is logged and never fails the operation
// that produced the event.
type Recorder struct {
	log    Log
	signer signing.Signer
}

func NewRecorder(l Log, s signing.Signer) *Recorder {
	return &Recorder{log: l, signer: s}
}

func (r *Recorder) Record(ctx context.Context, eventType string, payload map[string]interface{}) {
	if r == nil || r.log == nil || r.signer == nil {
		return
	}
	ev := &Event{EventType: eventType, Payload: payload}
	if err := r.log.Append(ctx, ev, r.signer); err != nil {
		log.Printf("[events] append %s: %v", eventType, err)
	}
}
