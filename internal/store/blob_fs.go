package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/droidpilot/droidpilot/internal/common/errors"
)

// FileBlobStore stores blobs on the local filesystem. Keys map directly
// to paths under the root directory, and returned URLs are the key
// joined onto the configured prefix so an HTTP static route can serve
// the same directory.
type FileBlobStore struct {
	dir       string
	urlPrefix string
}

// Ensure FileBlobStore implements BlobStore interface
var _ BlobStore = (*FileBlobStore)(nil)

// NewFileBlobStore creates a blob store rooted at dir.
func NewFileBlobStore(dir, urlPrefix string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{
		dir:       dir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
	}, nil
}

// Dir returns the root directory blobs are written under.
func (s *FileBlobStore) Dir() string {
	return s.dir
}

// Put writes a blob and returns the URL it is served under
func (s *FileBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Store("put blob", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Store("put blob", err)
	}
	return s.urlPrefix + "/" + key, nil
}

// Delete removes a blob. Deleting a missing key is not an error
func (s *FileBlobStore) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Store("delete blob", err)
	}
	return nil
}

// resolve maps a key onto the root directory, rejecting keys that would
// escape it.
func (s *FileBlobStore) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", errors.BadRequest(fmt.Sprintf("invalid blob key: %q", key))
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}
