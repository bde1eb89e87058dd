package results

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the result set in an in-memory SQLite database. Nothing
// is written to disk; the store lives and dies with the process.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens a fresh in-memory result store.
func NewSQLiteStore() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Each pooled connection would otherwise see its own private memory DB.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		filename TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		image BLOB,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		mode TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Put inserts or overwrites the entry for e.Filename. An overwrite keeps the
// original sequence position so listing order still follows upload order.
func (s *SQLiteStore) Put(e *Entry) error {
	if e == nil {
		return errors.New("entry is nil")
	}
	if e.Filename == "" {
		return errors.New("entry.Filename is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO results (filename, seq, text, image, width, height, mode, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM results), ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(filename) DO UPDATE SET
			text = excluded.text,
			image = excluded.image,
			width = excluded.width,
			height = excluded.height,
			mode = excluded.mode,
			created_at = excluded.created_at`,
		e.Filename, e.Text, e.Image, e.Width, e.Height, e.Mode,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(filename string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT filename, text, image, width, height, mode, created_at
		 FROM results WHERE filename = ?`, filename)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &notFoundError{filename: filename}
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) List() ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT filename, text, image, width, height, mode, created_at
		 FROM results ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// Clear drops every entry and its held image data.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM results`); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var e Entry
	var created string
	if err := r.Scan(&e.Filename, &e.Text, &e.Image, &e.Width, &e.Height, &e.Mode, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan result: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}
