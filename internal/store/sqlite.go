package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/inkfold/server/internal/domain"
)

// SQLite persists room documents in a single-file database. WAL mode keeps
// concurrent room flushes from blocking each other.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Info().Str("module", "store").Str("path", dbPath).Msg("sqlite ready")
	return &SQLite{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		project_id TEXT NOT NULL,
		file_id    TEXT NOT NULL,
		state      BLOB NOT NULL,
		text       TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, file_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at DESC);
	`
	_, err := db.Exec(schema)
	return err
}

// Load fetches the persisted document for a key. A room that was never
// flushed reports ErrNotFound; callers start such rooms empty.
func (s *SQLite) Load(ctx context.Context, key domain.RoomKey) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state, text, updated_at FROM documents WHERE project_id = ? AND file_id = ?",
		string(key.ProjectID), string(key.FileID),
	)

	rec := Record{Key: key}
	err := row.Scan(&rec.State, &rec.Text, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load document %s: %w", key, err)
	}
	return rec, nil
}

// Save upserts the document record for a key.
func (s *SQLite) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (project_id, file_id, state, text, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, file_id) DO UPDATE SET
			state = excluded.state,
			text = excluded.text,
			updated_at = excluded.updated_at`,
		string(rec.Key.ProjectID), string(rec.Key.FileID), rec.State, rec.Text, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save document %s: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
