package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fortressi/saga"
)

// Dialect selects placeholder syntax and schema types for a SQL database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const defaultEventsTable = "saga_events"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLConfig configures a SQLEventStore.
type SQLConfig struct {
	Dialect Dialect
	// Table holds the events. Defaults to saga_events.
	Table string
}

// SQLEventStore keeps execution logs in a relational table, one row per
// event keyed by (execution_id, sequence).
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// NewSQLEventStore wraps db. The schema is not created; see EnsureSchema.
func NewSQLEventStore(db *sql.DB, config SQLConfig) (*SQLEventStore, error) {
	switch config.Dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", config.Dialect)
	}

	table := config.Table
	if table == "" {
		table = defaultEventsTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	return &SQLEventStore{db: db, dialect: config.Dialect, table: table}, nil
}

// OpenSQLEventStore opens a database with the driver named by dialect, pings
// it and creates the schema. The driver must be registered by the caller.
func OpenSQLEventStore(ctx context.Context, dialect Dialect, dsn string) (*SQLEventStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	store, err := NewSQLEventStore(db, SQLConfig{Dialect: dialect})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the events table if it does not exist.
func (s *SQLEventStore) EnsureSchema(ctx context.Context) error {
	// payload is TEXT on every dialect; stored JSON keeps its key order.
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    execution_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    kind TEXT NOT NULL,
    step TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (execution_id, sequence)
)`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

// Append inserts ev after checking, in the same transaction, that its
// sequence follows the last stored one.
func (s *SQLEventStore) Append(ctx context.Context, ev saga.ExecutionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	query := s.rebind(fmt.Sprintf("SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE execution_id = ?", s.table))
	if err := tx.QueryRowContext(ctx, query, string(ev.ExecutionID)).Scan(&last); err != nil {
		return fmt.Errorf("failed to read last sequence: %w", err)
	}
	if ev.Sequence <= last {
		return fmt.Errorf("%w: %d after %d", saga.ErrOutOfOrder, ev.Sequence, last)
	}

	insert := s.rebind(fmt.Sprintf(
		"INSERT INTO %s (execution_id, sequence, kind, step, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.table,
	))
	if _, err := tx.ExecContext(ctx, insert,
		string(ev.ExecutionID), ev.Sequence, string(ev.Kind), string(ev.Step), string(payload), ev.RecordedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// ReadAll returns the events of id ordered by sequence.
func (s *SQLEventStore) ReadAll(ctx context.Context, id saga.ExecutionID) ([]saga.ExecutionEvent, error) {
	query := s.rebind(fmt.Sprintf("SELECT payload FROM %s WHERE execution_id = ? ORDER BY sequence", s.table))
	rows, err := s.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []saga.ExecutionEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev saga.ExecutionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("failed to deserialize event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", saga.ErrExecutionNotFound, id)
	}
	return events, nil
}

// Close closes the database.
func (s *SQLEventStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to the dialect's syntax.
func (s *SQLEventStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
