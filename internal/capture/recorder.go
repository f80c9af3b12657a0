package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// Source provides the two independent consumers of one capture device: an
// encoded byte feed for recording, and a live stream for a media call. A feed
// and a stream opened from the same Source observe the same underlying
// device, but neither blocks the other.
type Source interface {
	// OpenRecording starts encoded capture and returns the byte feed. A
	// device or permission failure is returned as a *signaling.Error with
	// KindPermissionDenied.
	OpenRecording(ctx context.Context) (io.ReadCloser, error)
	// OpenStream acquires a live media stream suitable for a call.
	OpenStream(ctx context.Context) (signaling.MediaStream, error)
}

// State is the recorder's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Recorder captures a source's encoded feed into chunked artifacts. Chunks
// are cut on a fixed interval while recording so a crash loses at most one
// interval of data; the final blob materializes only on Stop. Each Start
// after a prior Stop produces a brand-new artifact.
type Recorder struct {
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	artifact *Artifact
	feed     io.ReadCloser
	cancel   context.CancelFunc
	done     chan struct{}

	onChunk func(index int, chunk []byte)

	pending bytes.Buffer
}

// NewRecorder builds a recorder that cuts a chunk every interval.
func NewRecorder(interval time.Duration, logger *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Recorder{
		interval: interval,
		logger:   logger.Named("recorder"),
	}
}

// OnChunk registers a callback invoked for every emitted chunk, in emission
// order. Used for opportunistic persistence; must not block.
func (r *Recorder) OnChunk(fn func(index int, chunk []byte)) {
	r.mu.Lock()
	r.onChunk = fn
	r.mu.Unlock()
}

// State returns the recorder's current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Artifact returns the artifact of the current or most recent recording.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Start begins a new recording. Valid only from idle or stopped; starting
// while already recording is rejected with the state unchanged. If the source
// fails to open, the recorder stays idle and the error is surfaced: the exam
// continues without recording.
func (r *Recorder) Start(ctx context.Context, src Source, meta Metadata) error {
	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		return fmt.Errorf("recorder already recording")
	}
	r.mu.Unlock()

	feed, err := src.OpenRecording(ctx)
	if err != nil {
		return fmt.Errorf("open recording feed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		cancel()
		_ = feed.Close()
		return fmt.Errorf("recorder already recording")
	}
	r.state = StateRecording
	r.artifact = newArtifact(meta)
	r.feed = feed
	r.cancel = cancel
	r.done = done
	r.pending.Reset()
	r.mu.Unlock()

	go r.run(runCtx, feed, done)

	r.logger.Info("recording started",
		zap.String("exam_id", meta.ExamID),
		zap.String("student_id", meta.StudentID),
		zap.Duration("chunk_interval", r.interval))
	return nil
}

// Stop ends the recording: the final chunk is flushed, the feed closed, and
// the artifact's final blob materialized exactly once. Valid only while
// recording.
func (r *Recorder) Stop() (*Artifact, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("recorder not recording (state %s)", state)
	}
	cancel := r.cancel
	feed := r.feed
	done := r.done
	artifact := r.artifact
	r.mu.Unlock()

	// Close the feed first: the reader drains whatever is buffered, hits EOF,
	// and the run loop exits having written every byte into pending. Only
	// then cancel, so no data races the final flush.
	_ = feed.Close()
	<-done
	cancel()

	r.mu.Lock()
	r.flushLocked()
	r.state = StateStopped
	r.feed = nil
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	artifact.finalize()
	r.logger.Info("recording stopped",
		zap.Int("chunks", artifact.ChunkCount()),
		zap.Int64("bytes", artifact.Size()))
	return artifact, nil
}

// run reads the feed into the pending buffer and cuts a chunk every interval.
func (r *Recorder) run(ctx context.Context, feed io.Reader, done chan struct{}) {
	defer close(done)

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := feed.Read(buf)
			if n > 0 {
				r.mu.Lock()
				r.pending.Write(buf[:n])
				r.mu.Unlock()
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != io.EOF && ctx.Err() == nil {
				r.logger.Warn("capture feed error", zap.Error(err))
			}
			return
		case <-ticker.C:
			r.mu.Lock()
			r.flushLocked()
			r.mu.Unlock()
		}
	}
}

// flushLocked cuts the pending buffer into one chunk. Empty intervals emit
// nothing. Caller holds r.mu.
func (r *Recorder) flushLocked() {
	if r.pending.Len() == 0 || r.artifact == nil {
		return
	}
	chunk := make([]byte, r.pending.Len())
	copy(chunk, r.pending.Bytes())
	r.pending.Reset()

	if !r.artifact.append(chunk) {
		return
	}
	if r.onChunk != nil {
		r.onChunk(r.artifact.ChunkCount()-1, chunk)
	}
}
