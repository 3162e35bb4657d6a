package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/antoniostano/sessionvault/internal/reliability"
)

const (
	ModeAuto     = "auto"
	ModeMemory   = "memory"
	ModePostgres = "postgres"
	ModeRedis    = "redis"
)

type BackendConfig struct {
	Mode        string
	DatabaseURL string
	RedisURL    string
	RedisPrefix string
	// ConnectAttempts bounds connection retries for durable backends.
	ConnectAttempts uint
}

// ResolveMode maps auto to a concrete backend: postgres when a database URL
// is configured, else redis when a redis URL is, else memory.
func ResolveMode(cfg BackendConfig) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode != "" && mode != ModeAuto {
		return mode
	}
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return ModePostgres
	case strings.TrimSpace(cfg.RedisURL) != "":
		return ModeRedis
	default:
		return ModeMemory
	}
}

// NewSessionBackend creates the configured backend, retrying the initial
// connection for durable modes.
func NewSessionBackend(ctx context.Context, cfg BackendConfig) (SessionBackend, error) {
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 3
	}
	connect := func(open func() (SessionBackend, error)) (SessionBackend, error) {
		var backend SessionBackend
		err := retry.Do(func() error {
			b, err := open()
			if err != nil {
				return err
			}
			backend = b
			return nil
		},
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.RetryIf(reliability.IsRetryable),
			retry.DelayType(reliability.Backoff(200*time.Millisecond, 2*time.Second)),
			retry.LastErrorOnly(true),
		)
		return backend, err
	}

	switch mode := ResolveMode(cfg); mode {
	case ModeMemory:
		return NewMemoryBackend(), nil
	case ModePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres backend requires a database url")
		}
		return connect(func() (SessionBackend, error) { return NewPostgresBackend(ctx, cfg.DatabaseURL) })
	case ModeRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("redis backend requires a redis url")
		}
		return connect(func() (SessionBackend, error) { return NewRedisBackend(ctx, cfg.RedisURL, cfg.RedisPrefix) })
	default:
		return nil, fmt.Errorf("unknown session backend %q", mode)
	}
}
