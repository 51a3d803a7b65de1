// Package events keeps the hash-chained release event log and streams it
// to Kafka and S3. The database row is the source of truth; delivery is an
// outbox worker that retries until each event is marked sent.
package events

import "time"

// Stream states for the outbox columns.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamSent       = "sent"
	StreamFailed     = "failed"
)

// Event is one entry in the release log. Hash covers the canonical payload
// concatenated with the previous event's hash bytes, so the log forms a
// tamper-evident chain.
type Event struct {
	ID        string      `json:"id"`
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
	PrevHash  string      `json:"prevHash"`
	Hash      string      `json:"hash"`
	Signature string      `json:"signature"`
	SignerID  string      `json:"signerId"`
	Ts        time.Time   `json:"ts"`
	Metadata  interface{} `json:"metadata,omitempty"`

	StreamStatus string `json:"streamStatus,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	S3Key        string `json:"s3Key,omitempty"`
	StreamError  string `json:"streamError,omitempty"`
}

// Envelope is the canonical wire form shared by the Kafka stream and the
// S3 archive.
func (e *Event) Envelope() map[string]interface{} {
	return map[string]interface{}{
		"id":        e.ID,
		"eventType": e.EventType,
		"payload":   e.Payload,
		"prevHash":  e.PrevHash,
		"hash":      e.Hash,
		"signature": e.Signature,
		"signerId":  e.SignerID,
		"ts":        e.Ts.Format(time.RFC3339Nano),
		"metadata":  e.Metadata,
	}
}
