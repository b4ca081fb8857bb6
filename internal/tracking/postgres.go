package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNilWriter = errors.New("cannot initialize tracking sink with a nil writer")

// DBPool abstracts the pgxpool.Pool so the writer can be tested against a
// mock connection.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
    id       UUID PRIMARY KEY,
    run_id   UUID NOT NULL,
    seq      BIGINT NOT NULL,
    type     TEXT NOT NULL,
    state    TEXT NOT NULL,
    at       TIMESTAMPTZ NOT NULL,
    action   JSONB,
    note     TEXT,
    payload  JSONB,
    UNIQUE (run_id, seq)
);`

// PostgresWriter persists run events to PostgreSQL.
type PostgresWriter struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresWriter verifies the connection, ensures the events table
// exists, and returns a writer.
func NewPostgresWriter(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresWriter, error) {
	if pool == nil {
		return nil, fmt.Errorf("cannot initialize postgres writer with a nil pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("failed to ensure run_events table: %w", err)
	}
	return &PostgresWriter{pool: pool, log: logger.Named("PostgresWriter")}, nil
}

// WriteEvents bulk-inserts a batch of events with COPY.
func (w *PostgresWriter) WriteEvents(ctx context.Context, events []schemas.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(events))
	for i, ev := range events {
		var actionJSON any
		if ev.Action != nil {
			raw, err := json.Marshal(ev.Action)
			if err != nil {
				return fmt.Errorf("failed to marshal action for event %s: %w", ev.ID, err)
			}
			actionJSON = raw
		}
		var payload any
		if len(ev.Payload) > 0 {
			payload = []byte(ev.Payload)
		}
		rows[i] = []interface{}{
			ev.ID, ev.RunID, ev.Seq,
			string(ev.Type), string(ev.State),
			ev.At.UTC(),
			actionJSON, ev.Note, payload,
		}
	}

	copied, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"run_events"},
		[]string{"id", "run_id", "seq", "type", "state", "at", "action", "note", "payload"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy run events: %w", err)
	}
	if int(copied) != len(events) {
		return fmt.Errorf("mismatch in copied event count: expected %d, got %d", len(events), copied)
	}
	w.log.Debug("Persisted event batch", zap.Int("events", len(events)))
	return nil
}
