package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/psantana5/pianoscribe/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db     *sql.DB
	rebind func(string) string
}

const recordColumns = `id, task_id, file_name, state, progress, message, error,
	duration_seconds, total_notes, total_frames, has_pdf, has_midi, transport,
	submitted_at, finished_at`

func (s *sqlStore) Save(ctx context.Context, r *Record) error {
	query := s.rebind(`INSERT INTO transcriptions (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TaskID, r.FileName, string(r.State), r.Progress, r.Message, r.Error,
		r.DurationSeconds, r.TotalNotes, r.TotalFrames, r.HasPDF, r.HasMIDI, r.Transport,
		r.SubmittedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM transcriptions ORDER BY finished_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Get(ctx context.Context, taskID string) (*Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM transcriptions
		WHERE task_id = ? ORDER BY finished_at DESC LIMIT 1`)

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func scanRecord(scanner interface{ Scan(dest ...interface{}) error }) (*Record, error) {
	var r Record
	var state string
	err := scanner.Scan(
		&r.ID, &r.TaskID, &r.FileName, &state, &r.Progress, &r.Message, &r.Error,
		&r.DurationSeconds, &r.TotalNotes, &r.TotalFrames, &r.HasPDF, &r.HasMIDI, &r.Transport,
		&r.SubmittedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan history record: %w", err)
	}
	r.State = models.JobState(state)
	r.SubmittedAt = r.SubmittedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	return &r, nil
}

// dollarRebind turns ? placeholders into $1, $2, ... for PostgreSQL
func dollarRebind(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func identity(query string) string { return query }
