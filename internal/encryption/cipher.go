package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// envelopeVersion is the first byte of every sealed payload.
const envelopeVersion byte = 1

// ErrIntegrity is returned when a ciphertext cannot be authenticated: it was
// tampered with, corrupted, or sealed under a different key.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

var encoding = base64.StdEncoding.Strict()

// Seal encrypts plaintext with AES-256-GCM and returns the base64 text of
// version || nonce || ciphertext.
func Seal(key Key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	raw[0] = envelopeVersion
	if _, err := io.ReadFull(rand.Reader, raw[1:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	raw = gcm.Seal(raw, raw[1:], plaintext, nil)

	out := make([]byte, encoding.EncodedLen(len(raw)))
	encoding.Encode(out, raw)
	return out, nil
}

// Open reverses Seal. Any failure to decode or authenticate yields
// ErrIntegrity and no plaintext.
func Open(key Key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, encoding.DecodedLen(len(sealed)))
	n, err := encoding.Decode(raw, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrIntegrity, err)
	}
	raw = raw[:n]
	if len(raw) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	if raw[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown envelope version %d", ErrIntegrity, raw[0])
	}
	nonce := raw[1 : 1+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, raw[1+gcm.NonceSize():], nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// IsSealed reports whether blob has the shape of a Seal output. It does not
// authenticate; it only rules out plaintext reaching a storage backend.
func IsSealed(blob []byte) bool {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return false
	}
	raw := make([]byte, encoding.DecodedLen(len(blob)))
	n, err := encoding.Decode(raw, blob)
	if err != nil {
		return false
	}
	// version + 12-byte GCM nonce + 16-byte tag
	return n >= 1+12+16 && raw[0] == envelopeVersion
}

func newGCM(key Key) (cipher.AEAD, error) {
	if key.isZero() {
		return nil, errors.New("encryption key is not initialized")
	}
	block, err := aes.NewCipher(key.material[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
