package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig points the store at an S3-compatible endpoint.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// MinIOStore implements ObjectStore on MinIO / S3.
type MinIOStore struct {
	client *minio.Client
	bucket string
	useSSL bool
	host   string
	logger *zap.Logger
}

// NewMinIOStore creates the client. No network call happens here; misconfig
// surfaces on EnsureBucket or first use.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, &StorageError{Op: "new", Err: fmt.Errorf("endpoint and bucket are required")}
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, &StorageError{Op: "new", Err: fmt.Errorf("failed to create MinIO client: %w", err)}
	}
	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		useSSL: cfg.UseSSL,
		host:   cfg.Endpoint,
		logger: zap.L().Named("minio-store"),
	}, nil
}

// EnsureBucket verifies the recordings bucket exists.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "ensure_bucket", Err: err, Retryable: true}
	}
	if !exists {
		return &StorageError{Op: "ensure_bucket", Err: fmt.Errorf("%w: %s", ErrBucketMissing, s.bucket)}
	}
	return nil
}

// Put uploads one object.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, Retryable: true}
	}
	s.logger.Debug("object uploaded",
		zap.String("key", key),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag))
	return nil
}

// Compose concatenates part objects into destKey, preserving slice order.
func (s *MinIOStore) Compose(ctx context.Context, destKey string, partKeys []string, contentType string) error {
	srcs := make([]minio.CopySrcOptions, len(partKeys))
	for i, k := range partKeys {
		srcs[i] = minio.CopySrcOptions{Bucket: s.bucket, Object: k}
	}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: destKey}
	if contentType != "" {
		dst.UserMetadata = map[string]string{"Content-Type": contentType}
		dst.ReplaceMetadata = true
	}
	if _, err := s.client.ComposeObject(ctx, dst, srcs...); err != nil {
		return &StorageError{Op: "compose", Key: destKey, Err: err, Retryable: true}
	}
	return nil
}

// Remove deletes objects, best effort across keys.
func (s *MinIOStore) Remove(ctx context.Context, keys ...string) error {
	var firstErr error
	for _, key := range keys {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			if firstErr == nil {
				firstErr = &StorageError{Op: "remove", Key: key, Err: err}
			}
			s.logger.Warn("failed to remove object", zap.String("key", key), zap.Error(err))
		}
	}
	return firstErr
}

// PublicURL returns the direct bucket URL for key. The recordings bucket is
// served with public read, matching how the dashboard links recordings.
func (s *MinIOStore) PublicURL(_ context.Context, key string) (string, error) {
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.host, s.bucket, key), nil
}

// HealthCheck verifies the storage is reachable.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return &StorageError{Op: "health_check", Err: err, Retryable: true}
	}
	return nil
}
