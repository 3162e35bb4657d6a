package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingShredder struct {
	paths []string
	err   error
}

func (r *recordingShredder) SecureDeleteFile(path string) error {
	r.paths = append(r.paths, path)
	if r.err != nil {
		return r.err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func TestDiskBlobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "vault")
	shred := &recordingShredder{}
	s, err := NewDiskBlobStore(root, shred)
	if err != nil {
		t.Fatalf("NewDiskBlobStore() error = %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("root perm = %o, want 700", perm)
	}

	path, err := s.Put(ctx, "session/../id 1", []byte("sealed-audio"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if filepath.Dir(path) != s.Root() {
		t.Fatalf("Put() path %q not directly under %q", path, s.Root())
	}
	if !strings.HasPrefix(filepath.Base(path), "sessionid1-") {
		t.Fatalf("Put() path %q does not carry sanitized prefix", path)
	}
	info, _ = os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("blob perm = %o, want 600", perm)
	}

	got, err := s.Get(ctx, path)
	if err != nil || string(got) != "sealed-audio" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if ok, _ := s.Exists(ctx, path); !ok {
		t.Fatalf("Exists() = false, want true")
	}
	if err := s.Remove(ctx, path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(shred.paths) != 1 || shred.paths[0] != path {
		t.Fatalf("shredder calls = %v, want [%s]", shred.paths, path)
	}
	if ok, _ := s.Exists(ctx, path); ok {
		t.Fatalf("Exists() after Remove = true")
	}
	if _, err := s.Get(ctx, path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(removed) error = %v, want ErrNotFound", err)
	}
}

func TestDiskBlobStoreRejectsOutsidePaths(t *testing.T) {
	ctx := context.Background()
	shred := &recordingShredder{}
	s, err := NewDiskBlobStore(t.TempDir(), shred)
	if err != nil {
		t.Fatalf("NewDiskBlobStore() error = %v", err)
	}
	outside := filepath.Join(t.TempDir(), "victim.txt")
	if err := os.WriteFile(outside, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	for _, p := range []string{outside, filepath.Join(s.Root(), "..", "x"), s.Root()} {
		if err := s.Remove(ctx, p); err == nil {
			t.Fatalf("Remove(%q) error = nil, want rejection", p)
		}
		if _, err := s.Get(ctx, p); err == nil {
			t.Fatalf("Get(%q) error = nil, want rejection", p)
		}
	}
	if len(shred.paths) != 0 {
		t.Fatalf("shredder called for outside paths: %v", shred.paths)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside file touched: %v", err)
	}
}

func TestDiskBlobStoreRequiresShredder(t *testing.T) {
	if _, err := NewDiskBlobStore(t.TempDir(), nil); err == nil {
		t.Fatalf("NewDiskBlobStore(nil shredder) error = nil")
	}
}

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBlobStore()
	data := []byte("pcm")
	path, err := s.Put(ctx, "sid", data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'X'
	got, err := s.Get(ctx, path)
	if err != nil || string(got) != "pcm" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if err := s.Remove(ctx, path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, path); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	if _, err := s.Get(ctx, path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(removed) error = %v, want ErrNotFound", err)
	}
}

func TestDiskBlobStoreListsOnlyArtifacts(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskBlobStore(t.TempDir(), &recordingShredder{})
	if err != nil {
		t.Fatalf("NewDiskBlobStore() error = %v", err)
	}
	a, _ := s.Put(ctx, "s1", []byte("a"))
	b, _ := s.Put(ctx, "s2", []byte("b"))
	if err := os.WriteFile(filepath.Join(s.Root(), "kdf.salt"), []byte("salt"), 0o600); err != nil {
		t.Fatalf("write salt: %v", err)
	}
	if err := os.Mkdir(filepath.Join(s.Root(), "nested.bin"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() = %v, want 2 artifacts", got)
	}
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen[a] || !seen[b] {
		t.Fatalf("List() = %v, want %s and %s", got, a, b)
	}
}
