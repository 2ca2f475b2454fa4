package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the history in a local SQLite file
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	// WAL and a busy timeout let a serve process and CLI runs share the file
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore{db: db, rebind: identity}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcriptions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL,
		state TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_seconds REAL NOT NULL DEFAULT 0,
		total_notes INTEGER NOT NULL DEFAULT 0,
		total_frames INTEGER NOT NULL DEFAULT 0,
		has_pdf BOOLEAN NOT NULL DEFAULT 0,
		has_midi BOOLEAN NOT NULL DEFAULT 0,
		transport TEXT NOT NULL DEFAULT '',
		submitted_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcriptions_task_id ON transcriptions(task_id);
	CREATE INDEX IF NOT EXISTS idx_transcriptions_finished_at ON transcriptions(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
