package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/pianoscribe/pkg/models"
)

// ErrRecordNotFound is returned by Get for unknown task ids
var ErrRecordNotFound = errors.New("history record not found")

// Record is one finished transcription job
type Record struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id,omitempty"`
	FileName        string          `json:"file_name"`
	State           models.JobState `json:"state"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message,omitempty"`
	Error           string          `json:"error,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	TotalNotes      int             `json:"total_notes"`
	TotalFrames     int             `json:"total_frames"`
	HasPDF          bool            `json:"has_pdf"`
	HasMIDI         bool            `json:"has_midi"`
	Transport       string          `json:"transport,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// FromJob builds a record from a terminal job view
func FromJob(job models.Job) *Record {
	r := &Record{
		ID:        uuid.NewString(),
		TaskID:    job.ID,
		FileName:  job.SourceFile,
		State:     job.State,
		Progress:  job.Progress,
		Message:   job.StatusMessage,
		Error:     job.ErrorDetail,
		Transport: job.Transport,
	}
	if job.Result != nil {
		r.DurationSeconds = job.Result.DurationSeconds
		r.TotalNotes = job.Result.TotalNotes
		r.TotalFrames = job.Result.TotalFrames
		r.HasPDF = job.Result.HasPDF
		r.HasMIDI = job.Result.HasMIDI
	}
	if job.SubmittedAt != nil {
		r.SubmittedAt = job.SubmittedAt.UTC()
	}
	if job.FinishedAt != nil {
		r.FinishedAt = job.FinishedAt.UTC()
	} else {
		r.FinishedAt = time.Now().UTC()
	}
	return r
}

// Store persists finished jobs. SQLite, PostgreSQL and memory implement it.
type Store interface {
	Save(ctx context.Context, r *Record) error
	// List returns the newest records first; limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*Record, error)
	// Get returns the newest record for a task id
	Get(ctx context.Context, taskID string) (*Record, error)
	Close() error
}

// Open selects a store from a DSN:
//
//	memory                        in-process, lost on exit
//	sqlite:///path/history.db     SQLite file (a bare *.db path works too)
//	postgres://user:pw@host/db    PostgreSQL
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgreSQLStore(dsn)
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported history dsn %q (want memory, sqlite://path or postgres://...)", dsn)
	}
}
