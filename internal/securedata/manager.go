package securedata

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/model"
	"github.com/antoniostano/sessionvault/internal/pii"
)

// MinPasses is the lowest number of overwrite passes SecureDeleteFile accepts.
const MinPasses = 3

// Manager combines anonymization and encryption for session records and
// owns secure destruction of temporary artifacts.
type Manager struct {
	enc    *encryption.Manager
	passes int
	random io.Reader
}

func New(enc *encryption.Manager, passes int) (*Manager, error) {
	if enc == nil {
		return nil, errors.New("securedata: encryption manager is required")
	}
	if passes == 0 {
		passes = MinPasses
	}
	if passes < MinPasses {
		return nil, fmt.Errorf("securedata: %d overwrite passes, need at least %d", passes, MinPasses)
	}
	return &Manager{enc: enc, passes: passes, random: rand.Reader}, nil
}

func (m *Manager) Passes() int { return m.passes }

// KeyFingerprint identifies the active key in logs.
func (m *Manager) KeyFingerprint() string { return m.enc.Fingerprint() }

// Protect anonymizes a copy of s and seals it. The returned counts cover
// only PII detected by this call; text that already carries placeholders
// contributes nothing.
func (m *Manager) Protect(s *model.Session) ([]byte, pii.Counts, error) {
	if s == nil {
		return nil, nil, errors.New("securedata: nil session")
	}
	out := s.Clone()
	counts := pii.Counts{}
	for i, turn := range out.Turns {
		anon, c := pii.AnonymizeTurn(turn)
		out.Turns[i] = anon
		counts.Add(c)
	}
	out.UserContext = pii.AnonymizeUserContext(out.UserContext)

	blob, err := m.enc.EncryptRecord(out)
	if err != nil {
		return nil, nil, fmt.Errorf("seal session %s: %w", s.ID, err)
	}
	return blob, counts, nil
}

// Unprotect opens a sealed record. Anonymization is one-way, so the result
// holds placeholders, not the original values.
func (m *Manager) Unprotect(blob []byte) (*model.Session, error) {
	var s model.Session
	if err := m.enc.DecryptRecord(blob, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Encrypt seals an opaque payload such as an audio artifact.
func (m *Manager) Encrypt(data []byte) ([]byte, error) { return m.enc.Encrypt(data) }

func (m *Manager) Decrypt(data []byte) ([]byte, error) { return m.enc.Decrypt(data) }
