package batches

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore tracks batch runs in an in-memory SQLite database so async
// submitters can poll status. Like the result set, it never touches disk.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens a fresh in-memory batch store.
func NewSQLiteStore() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		stage TEXT NOT NULL,
		files_json TEXT,
		error_message TEXT,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateBatch(b *Batch) error {
	if b == nil {
		return errors.New("batch is nil")
	}
	if b.ID == "" {
		return errors.New("batch.ID is required")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	files := ""
	if b.Files != nil {
		raw, err := json.Marshal(b.Files)
		if err != nil {
			return fmt.Errorf("marshal file outcomes: %w", err)
		}
		files = string(raw)
	}

	_, err := s.db.Exec(
		`INSERT INTO batches (id, mode, stage, files_json, succeeded, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Mode, string(b.Stage), files, b.Succeeded, b.Failed,
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStage(id string, stage Stage, startedAt *time.Time) error {
	if startedAt != nil {
		ts := startedAt.UTC().Format(time.RFC3339Nano)
		_, err := s.db.Exec(`UPDATE batches SET stage = ?, started_at = ? WHERE id = ?`, string(stage), ts, id)
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE batches SET stage = ? WHERE id = ?`, string(stage), id)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveReport(id string, files []FileOutcome, succeeded, failed int, completedAt time.Time) error {
	raw, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal file outcomes: %w", err)
	}
	_, err = s.db.Exec(`UPDATE batches
		SET files_json = ?, succeeded = ?, failed = ?, stage = ?, error_message = NULL, completed_at = ?
		WHERE id = ?`,
		string(raw), succeeded, failed, string(StageCompleted),
		completedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveError(id string, errMsg string, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE batches
		SET error_message = ?, stage = ?, completed_at = ?
		WHERE id = ?`,
		errMsg, string(StageFailed), completedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBatch(id string) (*Batch, error) {
	row := s.db.QueryRow(`SELECT id, mode, stage, files_json, error_message, succeeded, failed,
		created_at, started_at, completed_at
		FROM batches WHERE id = ?`, id)

	var b Batch
	var files, errMsg, created, started, completed sql.NullString
	var stage string

	if err := row.Scan(
		&b.ID,
		&b.Mode,
		&stage,
		&files,
		&errMsg,
		&b.Succeeded,
		&b.Failed,
		&created,
		&started,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch not found")
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	if files.Valid && files.String != "" {
		var out []FileOutcome
		if err := json.Unmarshal([]byte(files.String), &out); err == nil {
			b.Files = out
		}
	}
	if errMsg.Valid {
		v := errMsg.String
		b.ErrorMessage = &v
	}
	if created.Valid {
		if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
			b.CreatedAt = t
		}
	}
	if started.Valid {
		if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			b.StartedAt = &t
		}
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			b.CompletedAt = &t
		}
	}
	b.Stage = Stage(stage)

	return &b, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
