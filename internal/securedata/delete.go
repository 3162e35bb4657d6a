package securedata

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/antoniostano/sessionvault/internal/reliability"
)

var ErrSecureDeletion = errors.New("secure deletion failed")

// SecureDeletionError reports the file and overwrite pass that failed. Pass
// is zero when the failure happened outside the overwrite loop.
type SecureDeletionError struct {
	Path string
	Pass int
	Err  error
}

func (e *SecureDeletionError) Error() string {
	if e.Pass > 0 {
		return fmt.Sprintf("secure delete %s: pass %d: %v", e.Path, e.Pass, e.Err)
	}
	return fmt.Sprintf("secure delete %s: %v", e.Path, e.Err)
}

func (e *SecureDeletionError) Unwrap() error { return e.Err }

func (e *SecureDeletionError) Is(target error) bool { return target == ErrSecureDeletion }

const overwriteChunk = 32 * 1024

// SecureDeleteFile overwrites path with random bytes for every configured
// pass, syncing after each, then removes it. A path that does not exist is
// already gone and counts as success.
func (m *Manager) SecureDeleteFile(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &SecureDeletionError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &SecureDeletionError{Path: path, Err: reliability.Permanent(fmt.Errorf("not a regular file (%s)", info.Mode().Type()))}
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return &SecureDeletionError{Path: path, Err: err}
	}
	size := info.Size()
	buf := make([]byte, overwriteChunk)
	for pass := 1; pass <= m.passes; pass++ {
		if err := m.overwrite(f, size, buf); err != nil {
			f.Close()
			return &SecureDeletionError{Path: path, Pass: pass, Err: err}
		}
	}
	if err := f.Close(); err != nil {
		return &SecureDeletionError{Path: path, Err: err}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &SecureDeletionError{Path: path, Err: err}
	}
	return nil
}

func (m *Manager) overwrite(f *os.File, size int64, buf []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(m.random, buf[:n]); err != nil {
			return fmt.Errorf("read random: %w", err)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return f.Sync()
}

// SecureWipeBuffer overwrites buf with random bytes and then zeroes it.
func (m *Manager) SecureWipeBuffer(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_, _ = io.ReadFull(m.random, buf)
	clear(buf)
}
