package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/slipway-ml/slipway/internal/signing"
)

// PGLog persists release events in Postgres. Appends are serialized in
// process so each event extends the latest hash; the service runs a single
// writer for the log.
type PGLog struct {
	db *sql.DB
	mu sync.Mutex
}

func NewPGLog(db *sql.DB) *PGLog {
	return &PGLog{db: db}
}

func (l *PGLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// lastHash returns the newest hash in the log, or empty when the log is.
func (l *PGLog) lastHash(ctx context.Context) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM release_events ORDER BY seq DESC LIMIT 1`
	if err := l.db.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

func (l *PGLog) Append(ctx context.Context, ev *Event, s signing.Signer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.lastHash(ctx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	if err := sealEvent(ctx, ev, prev, s); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON := []byte("null")
	if ev.Metadata != nil {
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	q := `
		INSERT INTO release_events
		  (id, event_type, payload, prev_hash, hash, signature, signer_id, ts, metadata, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err = l.db.ExecContext(ctx, q,
		ev.ID, ev.EventType, payloadJSON, ev.PrevHash, ev.Hash,
		ev.Signature, ev.SignerID, ev.Ts, metadataJSON, StreamPending)
	if err != nil {
		return fmt.Errorf("insert release_event: %w", err)
	}
	return nil
}

const eventColumns = `id, event_type, payload, prev_hash, hash, signature, signer_id, ts, metadata,
		stream_status, attempts, s3_key, stream_error`

func scanEvent(row interface{ Scan(dest ...interface{}) error }) (*Event, error) {
	var (
		ev           Event
		payloadB     []byte
		metaB        []byte
		prevHash     sql.NullString
		s3Key        sql.NullString
		streamError  sql.NullString
		streamStatus sql.NullString
	)
	if err := row.Scan(
		&ev.ID, &ev.EventType, &payloadB, &prevHash, &ev.Hash,
		&ev.Signature, &ev.SignerID, &ev.Ts, &metaB,
		&streamStatus, &ev.Attempts, &s3Key, &streamError,
	); err != nil {
		return nil, err
	}
	if prevHash.Valid {
		ev.PrevHash = prevHash.String
	}
	if len(payloadB) > 0 {
		if err := json.Unmarshal(payloadB, &ev.Payload); err != nil {
			ev.Payload = string(payloadB)
		}
	}
	if len(metaB) > 0 && string(metaB) != "null" {
		if err := json.Unmarshal(metaB, &ev.Metadata); err != nil {
			ev.Metadata = string(metaB)
		}
	}
	if streamStatus.Valid {
		ev.StreamStatus = streamStatus.String
	}
	if s3Key.Valid {
		ev.S3Key = s3Key.String
	}
	if streamError.Valid {
		ev.StreamError = streamError.String
	}
	return &ev, nil
}

func (l *PGLog) Get(ctx context.Context, id string) (*Event, error) {
	q := `SELECT ` + eventColumns + ` FROM release_events WHERE id=$1`
	ev, err := scanEvent(l.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query release_event: %w", err)
	}
	return ev, nil
}

// FetchPendingForStreaming claims a batch of undelivered events. Claimed
// rows move to in_progress with attempts bumped, so a crashed streamer's
// claims surface in attempts before an operator resets them.
func (l *PGLog) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		SELECT ` + eventColumns + `
		FROM release_events
		WHERE stream_status IN ('pending', 'failed')
		ORDER BY seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var claimed []*Event
	var ids []string
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		claimed = append(claimed, ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	update := `
		UPDATE release_events
		SET stream_status='in_progress', attempts=attempts+1
		WHERE id = ANY($1)
	`
	if _, err := tx.ExecContext(ctx, update, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for _, ev := range claimed {
		ev.StreamStatus = StreamInProgress
		ev.Attempts++
	}
	return claimed, nil
}

func (l *PGLog) MarkStreamResult(ctx context.Context, id string, s3Key string, ok bool, streamErr string) error {
	var err error
	if ok {
		q := `UPDATE release_events SET stream_status='sent', s3_key=NULLIF($2,''), stream_error=NULL WHERE id=$1`
		_, err = l.db.ExecContext(ctx, q, id, s3Key)
	} else {
		q := `UPDATE release_events SET stream_status='failed', stream_error=$2 WHERE id=$1`
		_, err = l.db.ExecContext(ctx, q, id, streamErr)
	}
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	return nil
}

// VerifyChain loads the whole log in append order and checks hashes and
// signatures.
func (l *PGLog) VerifyChain(ctx context.Context, lookup KeyLookup) error {
	q := `SELECT ` + eventColumns + ` FROM release_events ORDER BY seq ASC`
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query release_events: %w", err)
	}
	defer rows.Close()

	var all []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("scan release_event: %w", err)
		}
		all = append(all, ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate release_events: %w", err)
	}
	return VerifyEvents(all, lookup)
}
