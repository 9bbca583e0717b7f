package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yawlengine/yawl/common/db"
)

// PostgresLog persists events in an events table keyed by sequence. The
// engine is the single writer: sequences are assigned from an in-process
// counter seeded at startup, and a primary-key collision on insert means
// another writer is live.
type PostgresLog struct {
	db *db.DB

	mu      sync.Mutex
	lastSeq int64
}

// NewPostgres prepares the schema and seeds the sequence counter.
func NewPostgres(ctx context.Context, database *db.DB) (*PostgresLog, error) {
	l := &PostgresLog{db: database}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `SELECT COALESCE(MAX(seq), 0) FROM yawl_events`
	if err := database.QueryRow(ctx, query).Scan(&l.lastSeq); err != nil {
		return nil, fmt.Errorf("failed to read latest sequence: %w", err)
	}
	return l, nil
}

func (l *PostgresLog) ensureSchema(ctx context.Context) error {
	statements := []string{
		`
		CREATE TABLE IF NOT EXISTS yawl_events (
			seq BIGINT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			case_id TEXT NOT NULL DEFAULT '',
			spec_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'
		)
		`,
		`CREATE INDEX IF NOT EXISTS yawl_events_case_idx ON yawl_events (case_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure events schema: %w", err)
		}
	}
	return nil
}

// Append writes the event under the next sequence number.
func (l *PostgresLog) Append(ctx context.Context, e Event) (int64, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.lastSeq + 1
	query := `
		INSERT INTO yawl_events (seq, ts, case_id, spec_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = l.db.Exec(ctx, query, next, e.Timestamp, e.CaseID, e.SpecID, string(e.Type), payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("append of seq %d collided: %w", next, ErrSequenceConflict)
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	l.lastSeq = next
	return next, nil
}

// Replay streams stored events with sequence >= fromSeq in order.
func (l *PostgresLog) Replay(ctx context.Context, fromSeq int64, fn func(Event) error) error {
	query := `
		SELECT seq, ts, case_id, spec_id, event_type, payload
		FROM yawl_events
		WHERE seq >= $1
		ORDER BY seq
	`
	rows, err := l.db.Query(ctx, query, fromSeq)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       Event
			rawType string
			payload []byte
		)
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.CaseID, &e.SpecID, &rawType, &payload); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = Type(rawType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return fmt.Errorf("failed to decode payload of seq %d: %w", e.Sequence, err)
			}
		}
		if err := fn(e); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating events: %w", err)
	}
	return nil
}

// LatestSequence reports the counter; authoritative while this process
// is the only writer.
func (l *PostgresLog) LatestSequence(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq, nil
}
