package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores snapshots in a single SQLite database. The record is
// kept as an opaque blob; metadata goes into a JSON column so list and
// tag queries run inside the database. database/sql serializes access
// to the connection, so the backend carries no lock of its own.
type SQLite struct {
	db *sql.DB
}

// OpenSQLiteDefault opens the snapshot database at the path named by
// KILN_DB, falling back to ~/.kiln/snapshots.db.
func OpenSQLiteDefault() (*SQLite, error) {
	path := os.Getenv("KILN_DB")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		path = filepath.Join(home, ".kiln", "snapshots.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	return OpenSQLite(path)
}

// OpenSQLite opens or creates the snapshot database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		meta JSON NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores a record under key, replacing any previous one.
func (s *SQLite) Put(ctx context.Context, key string, record []byte, meta Meta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshots (key, record, meta) VALUES (?, ?, json(?))",
		key, record, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Get returns the record and metadata stored under key.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, Meta, error) {
	var record []byte
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT record, meta FROM snapshots WHERE key = ?", key,
	).Scan(&record, &metaJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Meta{}, ErrSnapshotNotFound
		}
		return nil, Meta{}, fmt.Errorf("querying snapshot: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, Meta{}, fmt.Errorf("parsing metadata: %w", err)
	}
	return record, meta, nil
}

// Delete removes the snapshot under key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// List returns metadata for every stored snapshot, ordered by key.
func (s *SQLite) List(ctx context.Context) ([]Meta, error) {
	return s.queryMeta(ctx, "SELECT meta FROM snapshots ORDER BY key")
}

// FindByTag returns metadata for every snapshot carrying tag.
func (s *SQLite) FindByTag(ctx context.Context, tag string) ([]Meta, error) {
	return s.queryMeta(ctx, `SELECT snapshots.meta FROM snapshots, json_each(json_extract(snapshots.meta, '$.tags'))
		WHERE json_each.value = ? ORDER BY snapshots.key`, tag)
}

func (s *SQLite) queryMeta(ctx context.Context, query string, args ...any) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metadata: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		var meta Meta
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}
