package encryption

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize  = 32
	SaltSize = 16

	// MinIterations is the lowest PBKDF2 work factor accepted for password keys.
	MinIterations = 100_000
)

var ErrWeakKDF = errors.New("kdf iteration count below minimum")

// Key is a 256-bit symmetric key. Salt is set when the key was derived from
// a password and is needed to derive the same key again.
type Key struct {
	material [KeySize]byte
	Salt     []byte
}

// DeriveKey derives a key from password with PBKDF2-HMAC-SHA256. A nil salt
// is replaced by a fresh random salt, returned in Key.Salt. An empty
// password yields a random key.
func DeriveKey(password string, salt []byte, iterations int) (Key, error) {
	if password == "" {
		return RandomKey()
	}
	if iterations < MinIterations {
		return Key{}, fmt.Errorf("%w: %d < %d", ErrWeakKDF, iterations, MinIterations)
	}
	if len(salt) == 0 {
		var err error
		salt, err = randomBytes(SaltSize)
		if err != nil {
			return Key{}, fmt.Errorf("generate salt: %w", err)
		}
	}
	var k Key
	copy(k.material[:], pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New))
	k.Salt = append([]byte(nil), salt...)
	return k, nil
}

// RandomKey returns a key read directly from crypto/rand.
func RandomKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k.material[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// Fingerprint is a short, non-secret identifier for a key, safe for logs.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256(append([]byte("sessionvault-key-id:"), k.material[:]...))
	return hex.EncodeToString(sum[:4])
}

func (k Key) isZero() bool {
	var zero [KeySize]byte
	return bytes.Equal(k.material[:], zero[:])
}

// LoadOrCreateSalt returns the hex salt stored at path, creating the file
// with a fresh random salt when it does not exist yet.
func LoadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("salt file %s: %w", path, err)
		}
		if len(salt) < SaltSize {
			return nil, fmt.Errorf("salt file %s: salt shorter than %d bytes", path, SaltSize)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create salt dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a race with another process; use its salt.
			return LoadOrCreateSalt(path)
		}
		return nil, fmt.Errorf("create salt file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(salt) + "\n"); err != nil {
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync salt file: %w", err)
	}
	return salt, nil
}

// NewSaltHex returns a freshly generated salt encoded as hex.
func NewSaltHex() (string, error) {
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
