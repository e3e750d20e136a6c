// Package local archives page snapshots on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore writes snapshots under a root directory.
type BlobStore struct {
	root string
}

// New prepares root (creating it if needed) and checks it is a directory.
func New(root string) (*BlobStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("archive directory is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat archive directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive path %s is not a directory", root)
	}
	return &BlobStore{root: root}, nil
}

// PutObject streams r into root/path via a temporary file and returns a
// file:// URI. Paths that escape root are rejected.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes archive directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("move snapshot into place: %w", err)
	}
	return "file://" + filepath.ToSlash(full), nil
}
