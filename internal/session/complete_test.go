package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proctorlink/proctorlink/internal/capture"
	"github.com/proctorlink/proctorlink/internal/signaling/signalingtest"
	"github.com/proctorlink/proctorlink/internal/storage"
	"github.com/proctorlink/proctorlink/internal/store"
	"github.com/proctorlink/proctorlink/internal/upload"
)

// deadObjectStore refuses every write, as when the storage backend is down.
type deadObjectStore struct{}

func (deadObjectStore) EnsureBucket(context.Context) error { return nil }

func (deadObjectStore) Put(_ context.Context, key string, _ io.Reader, _ int64, _ string) error {
	return &storage.StorageError{Op: "put", Key: key, Err: errors.New("connection refused"), Retryable: true}
}

func (deadObjectStore) Compose(_ context.Context, destKey string, _ []string, _ string) error {
	return &storage.StorageError{Op: "compose", Key: destKey, Err: errors.New("connection refused"), Retryable: true}
}

func (deadObjectStore) Remove(context.Context, ...string) error { return nil }

func (deadObjectStore) PublicURL(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func (deadObjectStore) HealthCheck(context.Context) error {
	return errors.New("connection refused")
}

// memExamStore keeps attempts in memory.
type memExamStore struct {
	mu       sync.Mutex
	attempts []*store.Attempt
}

func (m *memExamStore) GetExam(context.Context, string) (*store.Exam, error) { return nil, nil }

func (m *memExamStore) GetLatestAttempt(_ context.Context, examID, studentID string) (*store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if m.attempts[i].ExamID == examID && m.attempts[i].StudentID == studentID {
			return m.attempts[i], nil
		}
	}
	return nil, nil
}

func (m *memExamStore) UpdateAttempt(_ context.Context, id string, fields map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID != id {
			continue
		}
		if v, ok := fields["answers"].(json.RawMessage); ok {
			a.Answers = v
		}
		if v, ok := fields["submitted_at"].(time.Time); ok {
			a.SubmittedAt = &v
		}
		if v, ok := fields["completed_at"].(time.Time); ok {
			a.CompletedAt = &v
		}
		if v, ok := fields["recording_url"].(string); ok {
			a.RecordingURL = &v
		}
		return 1, nil
	}
	return 0, nil
}

func (m *memExamStore) InsertAttempt(_ context.Context, a *store.Attempt) (*store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = fmt.Sprintf("attempt-%d", len(m.attempts)+1)
	m.attempts = append(m.attempts, a)
	return a, nil
}

func (m *memExamStore) latest() *store.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.attempts) == 0 {
		return nil
	}
	return m.attempts[len(m.attempts)-1]
}

func TestComplete_UploadFailureStillSubmitsAnswers(t *testing.T) {
	net := signalingtest.NewNetwork()
	startAdmin(t, net)
	src := &fakeSource{}
	exams := &memExamStore{}
	recorder := capture.NewRecorder(5*time.Millisecond, nil)
	uploads := upload.NewPipeline(upload.Config{
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, deadObjectStore{}, exams, nil)

	student := NewStudentSession(StudentConfig{
		ExamID:      "exam-101",
		StudentName: "Ada",
		Reconnect: ReconnectPolicy{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 10,
			Role:        RoleStudent,
		},
		UploadTimeout: 250 * time.Millisecond,
	}, net, src, recorder, uploads, exams, nil, nil)
	if err := student.Start(context.Background()); err != nil {
		t.Fatalf("student start: %v", err)
	}
	t.Cleanup(student.Teardown)

	if recorder.State() != capture.StateRecording {
		t.Fatalf("recorder state %s, want recording", recorder.State())
	}

	answers := json.RawMessage(`{"q1":"42"}`)
	result, err := student.Complete(context.Background(), answers)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The recording is lost, the exam is not.
	if !result.Submitted {
		t.Error("answers were not submitted")
	}
	if result.RecordingURL != "" {
		t.Errorf("result carries recording URL %q despite a failed upload", result.RecordingURL)
	}
	if !strings.Contains(result.Warning, "answers have been submitted") {
		t.Errorf("warning %q does not tell the student their answers were saved", result.Warning)
	}

	attempt := exams.latest()
	if attempt == nil {
		t.Fatal("no attempt persisted")
	}
	if string(attempt.Answers) != string(answers) {
		t.Errorf("persisted answers %s, want %s", attempt.Answers, answers)
	}
	if attempt.SubmittedAt == nil || attempt.CompletedAt == nil {
		t.Error("attempt missing submission timestamps")
	}
	if attempt.RecordingURL != nil {
		t.Errorf("attempt carries recording URL %q despite a failed upload", *attempt.RecordingURL)
	}
}
