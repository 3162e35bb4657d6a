package encryption

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config selects the key material for a Manager. An empty Password yields a
// random, process-lifetime key.
type Config struct {
	Password   string
	Salt       []byte
	Iterations int
}

// Manager encrypts payloads and structured records under a single key. It is
// safe for concurrent use and holds no mutable state.
type Manager struct {
	key Key
}

func New(cfg Config) (*Manager, error) {
	iterations := cfg.Iterations
	if iterations == 0 {
		iterations = MinIterations
	}
	key, err := DeriveKey(cfg.Password, cfg.Salt, iterations)
	if err != nil {
		return nil, err
	}
	return &Manager{key: key}, nil
}

// NewWithKey wraps an existing key.
func NewWithKey(key Key) (*Manager, error) {
	if key.isZero() {
		return nil, errors.New("encryption key is not initialized")
	}
	return &Manager{key: key}, nil
}

func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	return Seal(m.key, plaintext)
}

func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	return Open(m.key, ciphertext)
}

// EncryptRecord serializes v as JSON and seals it.
func (m *Manager) EncryptRecord(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	defer wipe(plain)
	return m.Encrypt(plain)
}

// DecryptRecord opens blob and unmarshals the JSON record into out.
func (m *Manager) DecryptRecord(blob []byte, out any) error {
	plain, err := m.Decrypt(blob)
	if err != nil {
		return err
	}
	defer wipe(plain)
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: record is not valid json: %v", ErrIntegrity, err)
	}
	return nil
}

func (m *Manager) Fingerprint() string { return m.key.Fingerprint() }

// Salt returns the KDF salt, or nil for a random key.
func (m *Manager) Salt() []byte { return append([]byte(nil), m.key.Salt...) }

func wipe(b []byte) {
	clear(b)
}
