package store

import (
	"context"
	"encoding/json"
	"time"
)

// Exam is the read-only exam record this subsystem consumes.
type Exam struct {
	ID              string          `db:"id"`
	Title           string          `db:"title"`
	DurationMinutes int             `db:"duration_minutes"`
	Questions       json.RawMessage `db:"questions"`
	IsActive        bool            `db:"is_active"`
}

// Attempt is one student's attempt row for one exam.
type Attempt struct {
	ID           string          `db:"id"`
	ExamID       string          `db:"exam_id"`
	StudentID    string          `db:"student_id"`
	Answers      json.RawMessage `db:"answers"`
	Score        *float64        `db:"score"`
	RecordingURL *string         `db:"recording_url"`
	StartedAt    time.Time       `db:"started_at"`
	SubmittedAt  *time.Time      `db:"submitted_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// ExamStore is the exam-attempt collaborator. Out-of-scope CRUD lives behind
// it; this subsystem only looks attempts up, updates them, and inserts a
// terminal row when reconciliation finds nothing to update.
type ExamStore interface {
	GetExam(ctx context.Context, id string) (*Exam, error)
	// GetLatestAttempt returns the most recent attempt for (examID,
	// studentID), or nil with no error when none exists.
	GetLatestAttempt(ctx context.Context, examID, studentID string) (*Attempt, error)
	// UpdateAttempt applies fields to the attempt row and reports how many
	// rows matched, so callers can detect a lost race.
	UpdateAttempt(ctx context.Context, id string, fields map[string]any) (int64, error)
	InsertAttempt(ctx context.Context, a *Attempt) (*Attempt, error)
}

// Anti-cheat event types, matching what the monitoring side emits.
const (
	EventTabSwitch       = "tab-switch"
	EventWindowBlur      = "window-blur"
	EventCopyAttempt     = "copy-attempt"
	EventPasteAttempt    = "paste-attempt"
	EventFaceNotDetected = "face-not-detected"
	EventMultipleFaces   = "multiple-faces"
	EventObjectDetected  = "object-detected"
)

// LogEntry is one anti-cheat event. Write-once: entries are never mutated
// after creation.
type LogEntry struct {
	ID            int64     `db:"id"`
	ExamAttemptID string    `db:"exam_attempt_id"`
	StudentID     string    `db:"student_id"`
	EventType     string    `db:"event_type"`
	Details       string    `db:"details"`
	Timestamp     time.Time `db:"created_at"`
}

// EventLog is the append-only anti-cheat log collaborator. Inserts are
// best-effort: a persistence failure must never block the exam flow.
type EventLog interface {
	Insert(ctx context.Context, e LogEntry) error
	// ListByStudent returns the newest events first, for the admin log viewer.
	ListByStudent(ctx context.Context, studentID string, limit int) ([]LogEntry, error)
}
