package capture

import (
	"sync"
	"time"
)

// Metadata identifies whose exam a recording belongs to.
type Metadata struct {
	ExamID      string
	StudentID   string
	StudentName string
	ExamName    string
}

// Artifact is one recording: an ordered, append-only sequence of encoded
// chunks while recording, and an immutable final blob once stopped.
type Artifact struct {
	Meta      Metadata
	StartedAt time.Time
	StoppedAt time.Time

	mu        sync.Mutex
	chunks    [][]byte
	final     []byte
	finalized bool
}

func newArtifact(meta Metadata) *Artifact {
	return &Artifact{Meta: meta, StartedAt: time.Now()}
}

// NewFinalizedArtifact wraps an already-materialized recording blob, for
// re-uploading a locally persisted recording.
func NewFinalizedArtifact(meta Metadata, blob []byte) *Artifact {
	now := time.Now()
	return &Artifact{
		Meta:      meta,
		StartedAt: now,
		StoppedAt: now,
		chunks:    [][]byte{blob},
		final:     blob,
		finalized: true,
	}
}

// append adds one chunk in emission order. Rejected after finalization.
func (a *Artifact) append(chunk []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return false
	}
	a.chunks = append(a.chunks, chunk)
	return true
}

// finalize concatenates all chunks into the final blob, exactly once.
func (a *Artifact) finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	var total int
	for _, c := range a.chunks {
		total += len(c)
	}
	blob := make([]byte, 0, total)
	for _, c := range a.chunks {
		blob = append(blob, c...)
	}
	a.final = blob
	a.finalized = true
	a.StoppedAt = time.Now()
}

// ChunkCount returns the number of chunks emitted so far.
func (a *Artifact) ChunkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Size returns the total byte size across chunks.
func (a *Artifact) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, c := range a.chunks {
		total += int64(len(c))
	}
	return total
}

// FinalBlob returns the materialized recording and true, or nil and false
// while the artifact has not reached the stopped state. The returned slice
// must be treated as immutable.
func (a *Artifact) FinalBlob() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.finalized {
		return nil, false
	}
	return a.final, true
}
