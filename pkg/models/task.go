package models

// TaskStatus is the status string reported by the transcription service
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending" // Legacy; treated as processing
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// NormalizeTaskStatus maps a raw status to one of processing, completed or
// failed. The second return value is false for strings the service is not
// known to send.
func NormalizeTaskStatus(raw string) (TaskStatus, bool) {
	switch TaskStatus(raw) {
	case TaskStatusCompleted:
		return TaskStatusCompleted, true
	case TaskStatusFailed, "error":
		return TaskStatusFailed, true
	case TaskStatusProcessing, TaskStatusPending:
		return TaskStatusProcessing, true
	default:
		return TaskStatusProcessing, false
	}
}

// IsTerminal reports whether the status ends the task
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// SubmitResponse is returned by POST /transcribe/
type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// TranscriptionInfo is the summary the service attaches to a completed task
type TranscriptionInfo struct {
	DurationSeconds float64 `json:"duration_seconds"`
	TotalNotes      int     `json:"total_notes"`
	TotalFrames     int     `json:"total_frames"`
}

// StatusResponse is returned by GET /transcribe/status/{task_id}
type StatusResponse struct {
	TaskID            string             `json:"task_id,omitempty"`
	Status            string             `json:"status"`
	Progress          *int               `json:"progress,omitempty"`
	Message           string             `json:"message"`
	Error             *string            `json:"error,omitempty"`
	HasMIDI           bool               `json:"has_midi"`
	HasPDF            bool               `json:"has_pdf"`
	TranscriptionInfo *TranscriptionInfo `json:"transcription_info,omitempty"`
}

// Result builds the client-side result from a status payload
func (r *StatusResponse) Result() *Result {
	res := &Result{HasPDF: r.HasPDF, HasMIDI: r.HasMIDI}
	if r.TranscriptionInfo != nil {
		res.DurationSeconds = r.TranscriptionInfo.DurationSeconds
		res.TotalNotes = r.TranscriptionInfo.TotalNotes
		res.TotalFrames = r.TranscriptionInfo.TotalFrames
	}
	return res
}

// Update converts a status payload into a tracker update. Completed payloads
// carry their result inline.
func (r *StatusResponse) Update() StatusUpdate {
	status, known := NormalizeTaskStatus(r.Status)
	u := StatusUpdate{
		Status:      status,
		RawStatus:   r.Status,
		KnownStatus: known,
		Progress:    r.Progress,
		Message:     r.Message,
	}
	if r.Error != nil {
		u.Error = *r.Error
	}
	if status == TaskStatusCompleted {
		u.Result = r.Result()
	}
	return u
}

// StreamEvent is one server-sent event on GET /transcribe/stream/{task_id}
type StreamEvent struct {
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// Update converts a stream event into a tracker update. Stream events never
// carry the final result.
func (e *StreamEvent) Update() StatusUpdate {
	status, known := NormalizeTaskStatus(e.Status)
	return StatusUpdate{
		Status:      status,
		RawStatus:   e.Status,
		KnownStatus: known,
		Progress:    e.Progress,
		Message:     e.Message,
	}
}

// StatusUpdate is what a transport delivers to the job controller
type StatusUpdate struct {
	Status      TaskStatus
	RawStatus   string
	KnownStatus bool
	Progress    *int
	Message     string
	Error       string
	Result      *Result // set only for completed updates that carry the summary
}

// ServiceInfo is returned by the service root endpoint
type ServiceInfo struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}
