// Package blob is the seam for the object-storage collaborator that
// upload commands stream into. The filesystem store is the default;
// production can substitute a cloud-backed implementation.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store accepts a binary stream and returns the stored resource locator.
type Store interface {
	Put(r io.Reader) (string, error)
}

type DiskStore struct {
	dir     string
	baseURL string
}

// NewDiskStore stores blobs under dir and returns locators rooted at
// baseURL (e.g. "https://host/files").
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir, baseURL: baseURL}, nil
}

func (s *DiskStore) Put(r io.Reader) (string, error) {
	name := uuid.New().String()
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}

	return fmt.Sprintf("%s/%s", s.baseURL, name), nil
}
