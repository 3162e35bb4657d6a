package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/antoniostano/sessionvault/internal/reliability"
)

// Shredder destroys a file beyond recovery.
type Shredder interface {
	SecureDeleteFile(path string) error
}

const blobSuffix = ".bin"

// DiskBlobStore keeps artifacts as files under a private directory.
type DiskBlobStore struct {
	root     string
	shredder Shredder
}

func NewDiskBlobStore(root string, shredder Shredder) (*DiskBlobStore, error) {
	if shredder == nil {
		return nil, errors.New("disk blob store requires a shredder")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(abs, 0o700); err != nil {
		return nil, fmt.Errorf("restrict blob dir: %w", err)
	}
	return &DiskBlobStore{root: abs, shredder: shredder}, nil
}

func (s *DiskBlobStore) Root() string { return s.root }

func (s *DiskBlobStore) Put(_ context.Context, prefix string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.root, sanitizePrefix(prefix)+"-*"+blobSuffix)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	path := f.Name()
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		if err := s.shredder.SecureDeleteFile(path); err != nil {
			return "", multierror.Append(fmt.Errorf("write blob: %w", werr), err)
		}
		return "", fmt.Errorf("write blob: %w", werr)
	}
	return path, nil
}

func (s *DiskBlobStore) Get(_ context.Context, path string) ([]byte, error) {
	if err := s.contains(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *DiskBlobStore) Remove(_ context.Context, path string) error {
	if err := s.contains(path); err != nil {
		return err
	}
	return s.shredder.SecureDeleteFile(path)
}

func (s *DiskBlobStore) Exists(_ context.Context, path string) (bool, error) {
	if err := s.contains(path); err != nil {
		return false, err
	}
	_, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// List returns the artifacts under the root. Only files Put could have
// created are reported; the salt file and anything else are left alone.
func (s *DiskBlobStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), blobSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.root, e.Name()))
	}
	return out, nil
}

// contains rejects paths outside the store root.
func (s *DiskBlobStore) contains(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return reliability.Permanent(fmt.Errorf("blob path %q is outside %s", path, s.root))
	}
	return nil
}

func sanitizePrefix(prefix string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, prefix)
	if clean == "" {
		return "blob"
	}
	return clean
}

// MemoryBlobStore keeps artifacts in process memory and zeroes them on removal.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, prefix string, data []byte) (string, error) {
	path := "mem://" + sanitizePrefix(prefix) + "/" + uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = append([]byte(nil), data...)
	return path, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.blobs[path]; ok {
		clear(data)
		delete(s.blobs, path)
	}
	return nil
}

func (s *MemoryBlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[path]
	return ok, nil
}

func (s *MemoryBlobStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Len reports how many artifacts are held.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
