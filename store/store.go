// Package store remembers which VM a named client session is bound to, so
// a later process can re-attach to a VM held by a remote executor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates no record exists under the requested name.
var ErrNotFound = errors.New("store: session not found")

// Record is one saved session binding.
type Record struct {
	Name     string
	ID       string
	Executor string
	Address  string
	Pages    int
	MaxPages int
	Updated  time.Time
}

// Store is a SQLite-backed table of session records.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and avoids
	// writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		name      TEXT PRIMARY KEY,
		vm_id     TEXT NOT NULL,
		executor  TEXT NOT NULL,
		address   TEXT NOT NULL DEFAULT '',
		pages     INTEGER NOT NULL,
		max_pages INTEGER NOT NULL,
		updated   INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the record under r.Name.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.Name == "" {
		return errors.New("store: record name is required")
	}
	if r.Updated.IsZero() {
		r.Updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (name, vm_id, executor, address, pages, max_pages, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.ID, r.Executor, r.Address, r.Pages, r.MaxPages, r.Updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving session %q: %w", r.Name, err)
	}
	return nil
}

// Load returns the record saved under name.
func (s *Store) Load(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, vm_id, executor, address, pages, max_pages, updated
		 FROM sessions WHERE name = ?`, name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying session %q: %w", name, err)
	}
	return r, nil
}

// Delete removes the record under name. Deleting a missing record returns
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// List returns every record ordered by name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, vm_id, executor, address, pages, max_pages, updated
		 FROM sessions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var updated int64
	if err := sc.Scan(&r.Name, &r.ID, &r.Executor, &r.Address, &r.Pages, &r.MaxPages, &updated); err != nil {
		return Record{}, err
	}
	r.Updated = time.Unix(0, updated)
	return r, nil
}
