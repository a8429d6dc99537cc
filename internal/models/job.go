package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates the lifecycle states of a conversion job.
type JobStatus string

const (
	StatusUploading  JobStatus = "uploading"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Active reports whether progress is still expected to move.
func (s JobStatus) Active() bool {
	return s == StatusUploading || s == StatusProcessing
}

// CanTransition reports whether a job in status s may move to next.
// Staying in a non-terminal status is allowed so checkpoints can advance progress.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusUploading:
		return next == StatusUploading || next == StatusProcessing || next == StatusError
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusError
	default:
		return false
	}
}

// ConversionJob is a single file conversion tracked by the lifecycle manager.
type ConversionJob struct {
	ID           int64      `json:"id"`
	FileName     string     `json:"fileName"`
	FileSize     int64      `json:"fileSize"`
	SourceFormat string     `json:"sourceFormat"`
	TargetFormat string     `json:"targetFormat"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	UploadedAt   time.Time  `json:"uploadedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	DownloadURL  *string    `json:"downloadUrl"`
	PreviewURL   *string    `json:"previewUrl"`
}

// Validate checks the status, progress and completion coupling of a job.
func (j ConversionJob) Validate() error {
	if !j.Status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", j.Status))
	}
	if j.FileSize < 0 {
		return NewValidationError("fileSize", "must not be negative")
	}
	if j.Progress < 0 || j.Progress > 100 {
		return NewValidationError("progress", fmt.Sprintf("must be within 0..100, got %d", j.Progress))
	}
	completed := j.Status == StatusCompleted
	if completed != (j.Progress == 100) {
		return NewValidationError("progress", "progress is 100 exactly when status is completed")
	}
	if completed != (j.CompletedAt != nil) {
		return NewValidationError("completedAt", "completedAt is set exactly when status is completed")
	}
	if completed != (j.DownloadURL != nil) {
		return NewValidationError("downloadUrl", "downloadUrl is set exactly when status is completed")
	}
	if j.Status == StatusError && j.Progress != 0 {
		return NewValidationError("progress", "failed jobs have progress 0")
	}
	return nil
}

// Clone returns a copy that shares no pointers with j.
func (j ConversionJob) Clone() ConversionJob {
	out := j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.DownloadURL = cloneString(j.DownloadURL)
	out.PreviewURL = cloneString(j.PreviewURL)
	return out
}

// JobPatch carries a partial update. Nil fields are left untouched.
type JobPatch struct {
	FileName     *string    `json:"fileName,omitempty"`
	FileSize     *int64     `json:"fileSize,omitempty"`
	SourceFormat *string    `json:"sourceFormat,omitempty"`
	TargetFormat *string    `json:"targetFormat,omitempty"`
	Status       *JobStatus `json:"status,omitempty"`
	Progress     *int       `json:"progress,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DownloadURL  *string    `json:"downloadUrl,omitempty"`
	PreviewURL   *string    `json:"previewUrl,omitempty"`
}

// Apply merges p into a copy of current and checks the result against the
// state machine and the job invariants. Entering error resets progress and
// drops completion fields.
func (p JobPatch) Apply(current ConversionJob) (ConversionJob, error) {
	next := current.Clone()
	if p.FileName != nil {
		next.FileName = *p.FileName
	}
	if p.FileSize != nil {
		next.FileSize = *p.FileSize
	}
	if p.SourceFormat != nil {
		next.SourceFormat = NormalizeFormat(*p.SourceFormat)
	}
	if p.TargetFormat != nil {
		next.TargetFormat = NormalizeFormat(*p.TargetFormat)
	}
	if p.Progress != nil {
		next.Progress = *p.Progress
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		next.CompletedAt = &t
	}
	if p.DownloadURL != nil {
		next.DownloadURL = cloneString(p.DownloadURL)
	}
	if p.PreviewURL != nil {
		next.PreviewURL = cloneString(p.PreviewURL)
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return current, NewValidationError("status", fmt.Sprintf("unknown status %q", *p.Status))
		}
		if *p.Status != current.Status && !current.Status.CanTransition(*p.Status) {
			return current, NewValidationError("status", fmt.Sprintf("cannot move from %s to %s", current.Status, *p.Status))
		}
		next.Status = *p.Status
	}

	if next.Status == StatusError {
		next.Progress = 0
		next.CompletedAt = nil
		next.DownloadURL = nil
	}
	if current.Status.Active() && next.Status.Active() && next.Progress < current.Progress {
		return current, NewValidationError("progress", fmt.Sprintf("cannot go back from %d to %d", current.Progress, next.Progress))
	}
	if err := next.Validate(); err != nil {
		return current, err
	}
	return next, nil
}

// FileDescriptor is the file metadata supplied by the uploader.
type FileDescriptor struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Format describes a supported source to target conversion.
type Format struct {
	ID           int      `json:"id"`
	Name         string   `json:"name"`
	SourceFormat string   `json:"sourceFormat"`
	TargetFormat string   `json:"targetFormat"`
	Description  string   `json:"description"`
	Features     []string `json:"features"`
	Icon         string   `json:"icon"`
	Color        string   `json:"color"`
}

// Event types published on job changes.
const (
	EventJobCreated = "job.created"
	EventJobUpdated = "job.updated"
	EventJobDeleted = "job.deleted"
)

// JobEvent is the notification emitted after a job changes.
type JobEvent struct {
	Type       string        `json:"type"`
	Job        ConversionJob `json:"job"`
	HappenedAt time.Time     `json:"happened_at"`
}

// NormalizeFormat lowercases an extension token and drops a leading dot.
func NormalizeFormat(token string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(token)), ".")
}

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports an input or state that breaks a job rule.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
