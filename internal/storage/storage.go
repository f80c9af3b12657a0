package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ObjectStore is the blob-storage collaborator used for recording uploads.
// Small artifacts call Put once; large artifacts call Put per chunk and then
// Compose to reassemble the parts by index.
type ObjectStore interface {
	// EnsureBucket verifies the recordings bucket exists. A missing bucket is
	// a configuration error, not something to silently create.
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// Compose concatenates partKeys, in slice order, into destKey server-side.
	Compose(ctx context.Context, destKey string, partKeys []string, contentType string) error
	Remove(ctx context.Context, keys ...string) error
	// PublicURL returns a URL under which the object can be fetched.
	PublicURL(ctx context.Context, key string) (string, error)
	HealthCheck(ctx context.Context) error
}

// StorageError wraps storage failures with operation context.
type StorageError struct {
	Op        string
	Key       string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrBucketMissing marks the misconfigured-bucket case: fatal for the
// recording feature, invisible to the rest of the exam flow.
var ErrBucketMissing = errors.New("recordings bucket does not exist")
