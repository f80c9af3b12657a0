package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proctorlink/proctorlink/internal/capture"
	"github.com/proctorlink/proctorlink/internal/storage"
	"github.com/proctorlink/proctorlink/internal/store"
)

// fakeObjectStore records every call and can fail selected keys.
type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     map[string]int
	removed  []string
	composed [][]string

	bucketMissing bool
	// failPuts maps a key substring to how many times Put on it should fail
	// before succeeding. -1 fails forever.
	failPuts map[string]int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:  make(map[string][]byte),
		puts:     make(map[string]int),
		failPuts: make(map[string]int),
	}
}

func (f *fakeObjectStore) EnsureBucket(ctx context.Context) error {
	if f.bucketMissing {
		return storage.ErrBucketMissing
	}
	return nil
}

func (f *fakeObjectStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	f.mu.Lock()
	f.puts[key]++
	for substr, remaining := range f.failPuts {
		if strings.Contains(key, substr) {
			if remaining == -1 {
				f.mu.Unlock()
				return &storage.StorageError{Op: "put", Key: key, Err: errors.New("injected failure"), Retryable: true}
			}
			if remaining > 0 {
				f.failPuts[substr] = remaining - 1
				f.mu.Unlock()
				return &storage.StorageError{Op: "put", Key: key, Err: errors.New("injected failure"), Retryable: true}
			}
		}
	}
	f.mu.Unlock()

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeObjectStore) Compose(ctx context.Context, destKey string, partKeys []string, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var blob []byte
	for _, pk := range partKeys {
		part, ok := f.objects[pk]
		if !ok {
			return &storage.StorageError{Op: "compose", Key: pk, Err: errors.New("missing part")}
		}
		blob = append(blob, part...)
	}
	f.objects[destKey] = blob
	f.composed = append(f.composed, append([]string{destKey}, partKeys...))
	return nil
}

func (f *fakeObjectStore) Remove(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
		f.removed = append(f.removed, k)
	}
	return nil
}

func (f *fakeObjectStore) PublicURL(ctx context.Context, key string) (string, error) {
	return "http://objects.test/recordings/" + key, nil
}

func (f *fakeObjectStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeObjectStore) putCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for k, c := range f.puts {
		if strings.Contains(k, substr) {
			n += c
		}
	}
	return n
}

// fakeExamStore is an in-memory attempt table.
type fakeExamStore struct {
	mu       sync.Mutex
	attempts []*store.Attempt
	updates  map[string]map[string]any
	nextID   int
}

func newFakeExamStore() *fakeExamStore {
	return &fakeExamStore{updates: make(map[string]map[string]any)}
}

func (f *fakeExamStore) GetExam(ctx context.Context, id string) (*store.Exam, error) {
	return nil, nil
}

func (f *fakeExamStore) GetLatestAttempt(ctx context.Context, examID, studentID string) (*store.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.Attempt
	for _, a := range f.attempts {
		if a.ExamID == examID && a.StudentID == studentID {
			if latest == nil || a.StartedAt.After(latest.StartedAt) {
				latest = a
			}
		}
	}
	return latest, nil
}

func (f *fakeExamStore) UpdateAttempt(ctx context.Context, id string, fields map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ID == id {
			merged := f.updates[id]
			if merged == nil {
				merged = make(map[string]any)
				f.updates[id] = merged
			}
			for k, v := range fields {
				merged[k] = v
			}
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeExamStore) InsertAttempt(ctx context.Context, a *store.Attempt) (*store.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	inserted := *a
	inserted.ID = fmt.Sprintf("attempt-%d", f.nextID)
	f.attempts = append(f.attempts, &inserted)
	return &inserted, nil
}

func testConfig() Config {
	return Config{
		MaxArtifactBytes: 64 * 1024,
		ChunkBytes:       1024,
		Concurrency:      3,
		MaxRetries:       2,
		RetryInterval:    time.Millisecond,
	}
}

func makeArtifact(size int) *capture.Artifact {
	blob := bytes.Repeat([]byte{0xAB}, size)
	return capture.NewFinalizedArtifact(capture.Metadata{
		ExamID:    "exam-101",
		StudentID: "student-1",
	}, blob)
}

func TestUpload_DirectChunkedBoundary(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		wantParts int // 0 means direct
	}{
		{"well under the boundary", 100, 0},
		{"exactly at the boundary", 2048, 0},
		{"one byte over goes chunked", 2049, 3},
		{"exact multiple of chunk size", 4096, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := newFakeObjectStore()
			p := NewPipeline(testConfig(), objects, newFakeExamStore(), nil)

			res, err := p.Upload(context.Background(), makeArtifact(tt.size))
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			if res.Size != int64(tt.size) {
				t.Errorf("result size %d, want %d", res.Size, tt.size)
			}

			partPuts := objects.putCount(".part")
			if partPuts != tt.wantParts {
				t.Errorf("%d part uploads, want %d", partPuts, tt.wantParts)
			}
			objects.mu.Lock()
			final, ok := objects.objects[res.Key]
			objects.mu.Unlock()
			if !ok {
				t.Fatalf("no object stored under %s", res.Key)
			}
			if len(final) != tt.size {
				t.Errorf("stored object has %d bytes, want %d", len(final), tt.size)
			}
			// Part objects never survive a successful upload.
			objects.mu.Lock()
			for k := range objects.objects {
				if strings.Contains(k, ".part") {
					t.Errorf("leftover part object %s", k)
				}
			}
			objects.mu.Unlock()
		})
	}
}

func TestUpload_TooLargeFailsFast(t *testing.T) {
	objects := newFakeObjectStore()
	p := NewPipeline(testConfig(), objects, newFakeExamStore(), nil)

	_, err := p.Upload(context.Background(), makeArtifact(64*1024+1))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
	if objects.putCount("") != 0 {
		t.Error("bytes were uploaded despite the size rejection")
	}
}

func TestUpload_NotFinalizedRejected(t *testing.T) {
	p := NewPipeline(testConfig(), newFakeObjectStore(), newFakeExamStore(), nil)

	_, err := p.Upload(context.Background(), &capture.Artifact{})
	if !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("got %v, want ErrNotFinalized", err)
	}
}

func TestUpload_MissingBucketIsTerminal(t *testing.T) {
	objects := newFakeObjectStore()
	objects.bucketMissing = true
	p := NewPipeline(testConfig(), objects, newFakeExamStore(), nil)

	_, err := p.Upload(context.Background(), makeArtifact(10))
	if !errors.Is(err, storage.ErrBucketMissing) {
		t.Fatalf("got %v, want ErrBucketMissing", err)
	}
}

func TestUpload_ChunkRetriesThenSucceeds(t *testing.T) {
	objects := newFakeObjectStore()
	objects.failPuts[".part1"] = 1 // first attempt fails, retry lands
	p := NewPipeline(testConfig(), objects, newFakeExamStore(), nil)

	res, err := p.Upload(context.Background(), makeArtifact(3*1024))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := objects.putCount(".part1"); got != 2 {
		t.Errorf("part1 uploaded %d times, want 2 (one failure, one retry)", got)
	}
	objects.mu.Lock()
	final := objects.objects[res.Key]
	objects.mu.Unlock()
	if len(final) != 3*1024 {
		t.Errorf("stored %d bytes, want %d", len(final), 3*1024)
	}
}

func TestUpload_ExhaustedRetriesSurfaceAndCleanUp(t *testing.T) {
	objects := newFakeObjectStore()
	objects.failPuts[".part0"] = -1
	p := NewPipeline(testConfig(), objects, newFakeExamStore(), nil)

	_, err := p.Upload(context.Background(), makeArtifact(3*1024))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("got %v, want ErrExhausted", err)
	}

	objects.mu.Lock()
	defer objects.mu.Unlock()
	for k := range objects.objects {
		if strings.Contains(k, ".part") {
			t.Errorf("part %s not cleaned up after failure", k)
		}
	}
}

func TestUpload_ProgressReaches100(t *testing.T) {
	objects := newFakeObjectStore()
	p := NewPipeline(testConfig(), objects, newFakeExamStore(), nil)

	var mu sync.Mutex
	var last int
	p.OnProgress(func(percent int) {
		mu.Lock()
		if percent < last {
			t.Errorf("progress went backwards: %d after %d", percent, last)
		}
		last = percent
		mu.Unlock()
	})

	if _, err := p.Upload(context.Background(), makeArtifact(5*1024)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if last != 100 {
		t.Errorf("final progress %d, want 100", last)
	}
}

func TestProgress_OutOfOrderReportsDropped(t *testing.T) {
	p := NewPipeline(testConfig(), newFakeObjectStore(), newFakeExamStore(), nil)

	var got []int
	p.OnProgress(func(percent int) { got = append(got, percent) })

	// Chunk goroutines increment and report in two steps, so a slower
	// goroutine can deliver a smaller percentage late. Those must vanish.
	for _, pct := range []int{0, 50, 25, 75, 75, 100} {
		p.reportProgress(pct)
	}
	// A fresh upload resets to zero.
	p.reportProgress(0)

	want := []int{0, 50, 75, 100, 0}
	if len(got) != len(want) {
		t.Fatalf("observer saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observer saw %v, want %v", got, want)
		}
	}
}

func TestReconcile_UpdatesLatestAttempt(t *testing.T) {
	exams := newFakeExamStore()
	old, _ := exams.InsertAttempt(context.Background(), &store.Attempt{
		ExamID: "exam-101", StudentID: "student-1", StartedAt: time.Now().Add(-time.Hour),
	})
	latest, _ := exams.InsertAttempt(context.Background(), &store.Attempt{
		ExamID: "exam-101", StudentID: "student-1", StartedAt: time.Now(),
	})

	p := NewPipeline(testConfig(), newFakeObjectStore(), exams, nil)
	meta := capture.Metadata{ExamID: "exam-101", StudentID: "student-1"}
	if err := p.Reconcile(context.Background(), meta, "http://objects.test/r.webm"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, touched := exams.updates[old.ID]; touched {
		t.Error("reconcile touched an older attempt")
	}
	fields, ok := exams.updates[latest.ID]
	if !ok {
		t.Fatal("latest attempt was not updated")
	}
	if fields["recording_url"] != "http://objects.test/r.webm" {
		t.Errorf("recording_url = %v", fields["recording_url"])
	}
}

func TestReconcile_InsertsWhenNoAttemptExists(t *testing.T) {
	exams := newFakeExamStore()
	p := NewPipeline(testConfig(), newFakeObjectStore(), exams, nil)

	meta := capture.Metadata{ExamID: "exam-101", StudentID: "student-9"}
	if err := p.Reconcile(context.Background(), meta, "http://objects.test/r.webm"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	exams.mu.Lock()
	defer exams.mu.Unlock()
	if len(exams.attempts) != 1 {
		t.Fatalf("%d attempts, want 1 inserted terminal row", len(exams.attempts))
	}
	row := exams.attempts[0]
	if row.RecordingURL == nil || *row.RecordingURL != "http://objects.test/r.webm" {
		t.Error("terminal row is missing the recording URL")
	}
	if row.CompletedAt == nil {
		t.Error("terminal row is not marked completed")
	}
}
