package models

import (
	"time"
)

// JobState is the client-side lifecycle state of a transcription job
type JobState string

const (
	JobStateIdle       JobState = "idle"       // No job submitted yet
	JobStateSubmitting JobState = "submitting" // Upload in flight
	JobStateTracking   JobState = "tracking"   // Task accepted, following progress
	JobStateCompleted  JobState = "completed"  // Service finished the transcription
	JobStateFailed     JobState = "failed"     // Submission or transcription failed
)

// ArtifactKind names a downloadable output of a finished transcription
type ArtifactKind string

const (
	ArtifactPDF  ArtifactKind = "pdf"
	ArtifactMIDI ArtifactKind = "midi"
)

// ParseArtifactKind maps user input to an artifact kind. Empty input means PDF.
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch s {
	case "", "pdf", "PDF":
		return ArtifactPDF, true
	case "midi", "mid", "MIDI":
		return ArtifactMIDI, true
	default:
		return "", false
	}
}

// Result holds the summary of a completed transcription
type Result struct {
	DurationSeconds float64 `json:"duration_seconds"`
	TotalNotes      int     `json:"total_notes"`
	TotalFrames     int     `json:"total_frames"`
	HasPDF          bool    `json:"has_pdf"`
	HasMIDI         bool    `json:"has_midi"`
}

// Has reports whether the given artifact can be downloaded
func (r *Result) Has(kind ArtifactKind) bool {
	if r == nil {
		return false
	}
	switch kind {
	case ArtifactPDF:
		return r.HasPDF
	case ArtifactMIDI:
		return r.HasMIDI
	default:
		return false
	}
}

// Job represents one transcription request as tracked by the client
type Job struct {
	ID            string            `json:"id,omitempty"`
	State         JobState          `json:"state"`
	Progress      int               `json:"progress"` // 0-100%
	StatusMessage string            `json:"status_message,omitempty"`
	ErrorDetail   string            `json:"error_detail,omitempty"`
	Result        *Result           `json:"result,omitempty"`
	SourceFile    string            `json:"source_file,omitempty"`
	Transport     string            `json:"transport,omitempty"` // "push" or "poll" while tracking
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Transitions   []StateTransition `json:"transitions,omitempty"`
}

// ArtifactAvailable reports whether kind may be requested for this job
func (j Job) ArtifactAvailable(kind ArtifactKind) bool {
	return j.State == JobStateCompleted && j.Result.Has(kind)
}

// Clone returns a deep copy safe to hand to other goroutines
func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.SubmittedAt != nil {
		t := *j.SubmittedAt
		out.SubmittedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Transitions != nil {
		out.Transitions = append([]StateTransition(nil), j.Transitions...)
	}
	return out
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobState  `json:"from"`
	To        JobState  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
