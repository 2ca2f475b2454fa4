package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore keeps the history in a shared PostgreSQL database
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore connects to dsn and creates the table if needed
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore{db: db, rebind: dollarRebind}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcriptions (
		id VARCHAR(36) PRIMARY KEY,
		task_id VARCHAR(255) NOT NULL DEFAULT '',
		file_name TEXT NOT NULL,
		state VARCHAR(32) NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_notes INTEGER NOT NULL DEFAULT 0,
		total_frames INTEGER NOT NULL DEFAULT 0,
		has_pdf BOOLEAN NOT NULL DEFAULT FALSE,
		has_midi BOOLEAN NOT NULL DEFAULT FALSE,
		transport VARCHAR(16) NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcriptions_task_id ON transcriptions(task_id);
	CREATE INDEX IF NOT EXISTS idx_transcriptions_finished_at ON transcriptions(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
