package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	// ErrUnsealedValue is returned when a value that is not an encryption
	// envelope is about to reach a backend.
	ErrUnsealedValue = errors.New("refusing to persist unsealed value")
)

// SessionBackend persists opaque sealed session records keyed by session id.
// Implementations never inspect the payload.
type SessionBackend interface {
	Create(ctx context.Context, id string, blob []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Update(ctx context.Context, id string, blob []byte) error
	// Delete removes the record. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
	Mode() string
}

// BlobStore holds temporary session artifacts such as audio. Paths returned
// by Put are opaque handles owned by the caller.
type BlobStore interface {
	Put(ctx context.Context, prefix string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	// Remove destroys the artifact. Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// List returns every artifact currently held, tracked or not.
	List(ctx context.Context) ([]string, error)
}
