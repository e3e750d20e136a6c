// Package gcs archives page snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sukta/internal/telemetry"
)

// Config names the destination bucket.
type Config struct {
	Bucket string
	// Metadata is attached to every object written.
	Metadata map[string]string
}

// BlobStore writes snapshots to a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	metadata map[string]string
}

// NewClient creates a storage client using application default credentials
// unless opts say otherwise.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		metadata: cfg.Metadata,
	}, nil
}

// PutObject uploads r in a single request and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (uri string, err error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	start := time.Now()
	defer func() { telemetry.ObserveExternalCall("archive", err, time.Since(start)) }()

	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ChunkSize = 0
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(s.metadata) > 0 {
		writer.Metadata = s.metadata
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
