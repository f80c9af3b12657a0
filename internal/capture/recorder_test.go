package capture

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// blockingFeed delivers queued payloads one Read at a time and then blocks
// until closed, like a live capture device.
type blockingFeed struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   chan struct{}
}

func newBlockingFeed(payloads ...string) *blockingFeed {
	f := &blockingFeed{closed: make(chan struct{})}
	for _, p := range payloads {
		f.payloads = append(f.payloads, []byte(p))
	}
	return f
}

func (f *blockingFeed) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.payloads) > 0 {
		n := copy(p, f.payloads[0])
		f.payloads = f.payloads[1:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	<-f.closed
	return 0, io.EOF
}

func (f *blockingFeed) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type feedSource struct {
	feed    io.ReadCloser
	openErr error
}

func (s *feedSource) OpenRecording(ctx context.Context) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.feed, nil
}

func (s *feedSource) OpenStream(ctx context.Context) (signaling.MediaStream, error) {
	return nil, signaling.Errorf("capture", signaling.KindPermissionDenied, "no stream in this test")
}

func TestRecorder_StartWhileRecordingIsRejected(t *testing.T) {
	r := NewRecorder(time.Hour, nil)
	src := &feedSource{feed: newBlockingFeed("data")}

	if err := r.Start(context.Background(), src, Metadata{ExamID: "e1"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := r.Start(context.Background(), src, Metadata{ExamID: "e1"}); err == nil {
		t.Fatal("second start succeeded, want rejection")
	}
	if r.State() != StateRecording {
		t.Errorf("state %s after rejected start, want recording", r.State())
	}

	if _, err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRecorder_SourceFailureLeavesIdle(t *testing.T) {
	r := NewRecorder(time.Hour, nil)
	src := &feedSource{openErr: signaling.Errorf("capture", signaling.KindPermissionDenied, "denied")}

	if err := r.Start(context.Background(), src, Metadata{}); err == nil {
		t.Fatal("start succeeded with a failing source")
	}
	if r.State() != StateIdle {
		t.Errorf("state %s after failed start, want idle", r.State())
	}
}

func TestRecorder_FinalBlobOnlyAfterStop(t *testing.T) {
	r := NewRecorder(time.Hour, nil)
	src := &feedSource{feed: newBlockingFeed("part-a:", "part-b")}

	if err := r.Start(context.Background(), src, Metadata{StudentID: "s1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, ok := r.Artifact().FinalBlob(); ok {
		t.Fatal("final blob available while still recording")
	}

	artifact, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	blob, ok := artifact.FinalBlob()
	if !ok {
		t.Fatal("no final blob after stop")
	}
	if !bytes.Equal(blob, []byte("part-a:part-b")) {
		t.Errorf("final blob %q, want concatenation in read order", blob)
	}
	if r.State() != StateStopped {
		t.Errorf("state %s after stop, want stopped", r.State())
	}
}

func TestRecorder_ChunksEmitInOrder(t *testing.T) {
	r := NewRecorder(10*time.Millisecond, nil)

	var mu sync.Mutex
	var indices []int
	var total bytes.Buffer
	r.OnChunk(func(index int, chunk []byte) {
		mu.Lock()
		indices = append(indices, index)
		total.Write(chunk)
		mu.Unlock()
	})

	src := &feedSource{feed: newBlockingFeed("aaaa", "bbbb", "cccc")}
	if err := r.Start(context.Background(), src, Metadata{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	artifact, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, idx := range indices {
		if idx != i {
			t.Errorf("chunk %d emitted with index %d", i, idx)
		}
	}
	blob, _ := artifact.FinalBlob()
	if string(blob) != "aaaabbbbcccc" {
		t.Errorf("final blob %q, want %q", blob, "aaaabbbbcccc")
	}
	if artifact.ChunkCount() == 0 {
		t.Error("no chunks were cut")
	}
}

func TestRecorder_RestartProducesFreshArtifact(t *testing.T) {
	r := NewRecorder(time.Hour, nil)

	src1 := &feedSource{feed: newBlockingFeed("first")}
	if err := r.Start(context.Background(), src1, Metadata{ExamID: "e1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	src2 := &feedSource{feed: newBlockingFeed("second")}
	if err := r.Start(context.Background(), src2, Metadata{ExamID: "e2"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second, err := r.Stop()
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if first == second {
		t.Fatal("restart reused the previous artifact")
	}
	blob1, _ := first.FinalBlob()
	blob2, _ := second.FinalBlob()
	if string(blob1) != "first" || string(blob2) != "second" {
		t.Errorf("blobs %q/%q, want first/second", blob1, blob2)
	}
}

func TestArtifact_AppendAfterFinalizeRejected(t *testing.T) {
	a := newArtifact(Metadata{})
	if !a.append([]byte("one")) {
		t.Fatal("append before finalize rejected")
	}
	a.finalize()
	if a.append([]byte("two")) {
		t.Fatal("append after finalize accepted")
	}
	blob, ok := a.FinalBlob()
	if !ok || !strings.Contains(string(blob), "one") || strings.Contains(string(blob), "two") {
		t.Errorf("final blob %q contaminated by post-finalize append", blob)
	}
}
