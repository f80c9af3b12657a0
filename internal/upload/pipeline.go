package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/capture"
	"github.com/proctorlink/proctorlink/internal/storage"
	"github.com/proctorlink/proctorlink/internal/store"
)

var (
	// ErrTooLarge rejects an artifact above the configured ceiling. Fail
	// fast: no retry will shrink the file.
	ErrTooLarge = errors.New("recording exceeds maximum upload size")
	// ErrExhausted marks a permanently failed upload after all retries. It is
	// surfaced as a warning; exam submission must already have succeeded
	// independently.
	ErrExhausted = errors.New("recording upload failed after all retries")
	// ErrNotFinalized rejects an artifact whose final blob has not
	// materialized yet.
	ErrNotFinalized = errors.New("artifact is not finalized")
)

// Config tunes the pipeline. Zero values fall back to the shipped defaults.
type Config struct {
	// MaxArtifactBytes is the hard ceiling; anything larger fails fast.
	MaxArtifactBytes int64
	// DirectMaxBytes is the direct/chunked boundary: at or below uploads in
	// one shot, one byte over goes chunked.
	DirectMaxBytes int64
	// ChunkBytes is the fixed chunk size of the chunked path.
	ChunkBytes int64
	// Concurrency bounds parallel chunk uploads.
	Concurrency int
	// MaxRetries bounds attempts per chunk (and per direct upload).
	MaxRetries int
	// RetryInterval seeds the backoff between attempts.
	RetryInterval time.Duration
	// ContentType of uploaded recordings.
	ContentType string
}

func (c Config) withDefaults() Config {
	if c.MaxArtifactBytes == 0 {
		c.MaxArtifactBytes = 40 * 1024 * 1024
	}
	if c.ChunkBytes == 0 {
		c.ChunkBytes = 1024 * 1024
	}
	if c.DirectMaxBytes == 0 {
		c.DirectMaxBytes = 2 * c.ChunkBytes
	}
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "video/webm"
	}
	return c
}

// Result is a completed upload.
type Result struct {
	URL  string
	Key  string
	Size int64
}

// Pipeline uploads finalized recording artifacts and reconciles the resulting
// URL with the exam-attempt record.
type Pipeline struct {
	cfg     Config
	objects storage.ObjectStore
	exams   store.ExamStore
	logger  *zap.Logger

	mu          sync.Mutex
	onProgress  func(percent int)
	lastPercent int
}

// NewPipeline wires the pipeline to its storage and attempt collaborators.
func NewPipeline(cfg Config, objects storage.ObjectStore, exams store.ExamStore, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.L()
	}
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		objects: objects,
		exams:   exams,
		logger:  logger.Named("upload"),
	}
}

// OnProgress registers a 0-100 progress observer. Advisory only.
func (p *Pipeline) OnProgress(fn func(percent int)) {
	p.mu.Lock()
	p.onProgress = fn
	p.mu.Unlock()
}

// reportProgress delivers percent to the observer under the pipeline lock so
// concurrent chunk goroutines can never report out of order: a value at or
// below the last reported one is dropped, and 0 resets for a new upload.
// Observers must not block.
func (p *Pipeline) reportProgress(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent != 0 && percent <= p.lastPercent {
		return
	}
	p.lastPercent = percent
	if p.onProgress != nil {
		p.onProgress(percent)
	}
}

// Upload pushes a finalized artifact to object storage. Small artifacts go in
// one shot; large ones are split into fixed-size chunks uploaded with bounded
// concurrency, retried independently, and reassembled server-side by index.
func (p *Pipeline) Upload(ctx context.Context, artifact *capture.Artifact) (*Result, error) {
	blob, ok := artifact.FinalBlob()
	if !ok {
		return nil, ErrNotFinalized
	}
	size := int64(len(blob))
	if size > p.cfg.MaxArtifactBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, size, p.cfg.MaxArtifactBytes)
	}

	// Bucket preflight: a missing bucket is a config error, not a retry case.
	if err := p.objects.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	key := p.objectKey(artifact.Meta)
	p.reportProgress(0)

	var err error
	if size <= p.cfg.DirectMaxBytes {
		err = p.uploadDirect(ctx, key, blob)
	} else {
		err = p.uploadChunked(ctx, key, blob)
	}
	if err != nil {
		return nil, err
	}

	url, err := p.objects.PublicURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolve public URL: %w", err)
	}
	p.reportProgress(100)

	p.logger.Info("recording uploaded",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.String("exam_id", artifact.Meta.ExamID),
		zap.String("student_id", artifact.Meta.StudentID))
	return &Result{URL: url, Key: key, Size: size}, nil
}

func (p *Pipeline) objectKey(meta capture.Metadata) string {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05")
	return fmt.Sprintf("%s/recording-%s-%s.webm", meta.StudentID, ts, uuid.NewString()[:8])
}

func (p *Pipeline) uploadDirect(ctx context.Context, key string, blob []byte) error {
	op := func() error {
		return p.objects.Put(ctx, key, bytes.NewReader(blob), int64(len(blob)), p.cfg.ContentType)
	}
	if err := p.retry(ctx, op); err != nil {
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	return nil
}

func (p *Pipeline) uploadChunked(ctx context.Context, key string, blob []byte) error {
	size := int64(len(blob))
	chunkCount := int((size + p.cfg.ChunkBytes - 1) / p.cfg.ChunkBytes)
	partKeys := make([]string, chunkCount)

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, p.cfg.Concurrency)
	errCh := make(chan error, chunkCount)
	var done atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < chunkCount; i++ {
		start := int64(i) * p.cfg.ChunkBytes
		end := start + p.cfg.ChunkBytes
		if end > size {
			end = size
		}
		partKeys[i] = fmt.Sprintf("%s.part%d", key, i)

		wg.Add(1)
		go func(idx int, part []byte, partKey string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-uploadCtx.Done():
				errCh <- uploadCtx.Err()
				return
			}

			op := func() error {
				return p.objects.Put(uploadCtx, partKey, bytes.NewReader(part), int64(len(part)), p.cfg.ContentType)
			}
			if err := p.retry(uploadCtx, op); err != nil {
				errCh <- fmt.Errorf("chunk %d: %w", idx, err)
				cancel() // no point finishing the rest
				return
			}

			n := done.Add(1)
			p.reportProgress(int(n * 100 / int64(chunkCount)))
		}(i, blob[start:end], partKeys[i])
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		// Best-effort cleanup of whatever parts landed.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cleanupCancel()
		_ = p.objects.Remove(cleanupCtx, partKeys...)
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}

	// All chunks landed; reassemble by part index, then drop the parts.
	if err := p.objects.Compose(ctx, key, partKeys, p.cfg.ContentType); err != nil {
		return fmt.Errorf("%w: compose: %v", ErrExhausted, err)
	}
	if err := p.objects.Remove(ctx, partKeys...); err != nil {
		p.logger.Warn("failed to clean up chunk parts", zap.Error(err))
	}
	return nil
}

// retry runs op with exponential backoff bounded by MaxRetries.
func (p *Pipeline) retry(ctx context.Context, op func() error) error {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = p.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(p.cfg.MaxRetries)), ctx)
	return backoff.Retry(op, b)
}

// Reconcile attaches url to the most recent attempt row for (examID,
// studentID). When no row exists or the update races to zero rows, a terminal
// attempt row is inserted instead, so the URL is never silently dropped.
func (p *Pipeline) Reconcile(ctx context.Context, meta capture.Metadata, url string) error {
	attempt, err := p.exams.GetLatestAttempt(ctx, meta.ExamID, meta.StudentID)
	if err != nil {
		return fmt.Errorf("look up attempt: %w", err)
	}

	if attempt != nil {
		rows, err := p.exams.UpdateAttempt(ctx, attempt.ID, map[string]any{"recording_url": url})
		if err == nil && rows > 0 {
			return nil
		}
		if err != nil {
			p.logger.Warn("attempt update failed, inserting terminal row", zap.Error(err))
		}
	}

	now := time.Now()
	_, err = p.exams.InsertAttempt(ctx, &store.Attempt{
		ExamID:       meta.ExamID,
		StudentID:    meta.StudentID,
		Answers:      json.RawMessage("{}"),
		RecordingURL: &url,
		StartedAt:    now,
		CompletedAt:  &now,
	})
	if err != nil {
		return fmt.Errorf("insert terminal attempt: %w", err)
	}
	return nil
}
