package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const templateSQLiteSchema = `
CREATE TABLE IF NOT EXISTS templates (
	name TEXT PRIMARY KEY,
	graph BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite template store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists templates in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed template store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("template store sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("template sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("template sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(templateSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("template sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) List(ctx context.Context) ([]TemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, graph, created_at, updated_at
FROM templates
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("template sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []TemplateRecord
	for rows.Next() {
		rec, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("template sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (TemplateRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT name, graph, created_at, updated_at
FROM templates
WHERE name = ?`, strings.TrimSpace(name))
	rec, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TemplateRecord{}, false, nil
	}
	if err != nil {
		return TemplateRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec TemplateRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("template sqlite store begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	name := strings.TrimSpace(rec.Name)
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM templates WHERE name = ?`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("template sqlite store lookup: %w", err)
	}

	if exists > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE templates SET graph = ?, updated_at = ? WHERE name = ?`,
			[]byte(rec.Graph), rec.UpdatedAt.UTC().Format(time.RFC3339Nano), name)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO templates (name, graph, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			name, []byte(rec.Graph),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return false, fmt.Errorf("template sqlite store put: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("template sqlite store commit: %w", err)
	}
	return exists == 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("template sqlite store delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("template sqlite store delete rows: %w", err)
	}
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (TemplateRecord, error) {
	var (
		rec       TemplateRecord
		graph     []byte
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&rec.Name, &graph, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TemplateRecord{}, err
		}
		return TemplateRecord{}, fmt.Errorf("template sqlite store scan: %w", err)
	}
	rec.Graph = graph
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return TemplateRecord{}, fmt.Errorf("template sqlite store parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return TemplateRecord{}, fmt.Errorf("template sqlite store parse updated_at: %w", err)
	}
	return rec, nil
}

var _ TemplateStore = (*SQLiteStore)(nil)
