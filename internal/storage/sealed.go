package storage

import (
	"context"
	"fmt"

	"github.com/antoniostano/sessionvault/internal/encryption"
)

// Sealed wraps a backend so that every write is checked for the encryption
// envelope shape before it is forwarded.
func Sealed(b SessionBackend) SessionBackend {
	if s, ok := b.(sealedBackend); ok {
		return s
	}
	return sealedBackend{SessionBackend: b}
}

type sealedBackend struct {
	SessionBackend
}

func (s sealedBackend) Create(ctx context.Context, id string, blob []byte) error {
	if !encryption.IsSealed(blob) {
		return fmt.Errorf("create %s: %w", id, ErrUnsealedValue)
	}
	return s.SessionBackend.Create(ctx, id, blob)
}

func (s sealedBackend) Update(ctx context.Context, id string, blob []byte) error {
	if !encryption.IsSealed(blob) {
		return fmt.Errorf("update %s: %w", id, ErrUnsealedValue)
	}
	return s.SessionBackend.Update(ctx, id, blob)
}
