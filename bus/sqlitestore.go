package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/canvasbridge/execution"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	phase   TEXT    NOT NULL,
	node_id TEXT    NOT NULL DEFAULT '',
	time_ms INTEGER NOT NULL,
	payload TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_run_events_time ON run_events(time_ms);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this (0 disables age pruning).
	RetentionAge time.Duration

	// RetentionRuns keeps at most this many runs, dropping the oldest
	// (0 disables run-count pruning).
	RetentionRuns int

	// PruneInterval is how often pruning runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists run events in SQLite (WAL mode) with an
// optional background pruner.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionRuns > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event.
func (s *SQLiteEventStore) Append(ctx context.Context, event execution.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, phase, node_id, time_ms, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID,
		event.Seq,
		string(event.Phase),
		event.NodeID,
		event.Time.UnixMilli(),
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns a run's events after afterSeq.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]execution.Event, error) {
	query := `SELECT run_id, seq, phase, node_id, time_ms, payload
	           FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// RunIDs returns distinct run ids ordered by first appearance.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM run_events GROUP BY run_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixMilli()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE time_ms < ?`, cutoff); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionRuns > 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM run_events WHERE run_id NOT IN (
				SELECT run_id FROM run_events GROUP BY run_id ORDER BY MAX(id) DESC LIMIT ?
			)`, s.cfg.RetentionRuns,
		)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune by run count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]execution.Event, error) {
	var events []execution.Event
	for rows.Next() {
		var (
			e           execution.Event
			phase       string
			timeMs      int64
			payloadJSON string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &phase, &e.NodeID, &timeMs, &payloadJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.Phase = execution.Phase(phase)
		e.Time = time.UnixMilli(timeMs)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ EventStore = (*SQLiteEventStore)(nil)
