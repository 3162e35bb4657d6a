package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/sessionvault/internal/storage"
)

var ErrConfiguration = errors.New("invalid configuration")

// Error describes one rejected setting. It matches ErrConfiguration.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("config %s: %v", e.Key, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrConfiguration }

func invalid(key, format string, args ...any) error {
	return &Error{Key: key, Err: fmt.Errorf(format, args...)}
}

const (
	MinKDFIterations      = 100_000
	MinSecureDeletePasses = 3
)

// Config contains all runtime settings for the session protection service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	SessionTimeout   time.Duration
	CleanupInterval  time.Duration
	LockTimeout      time.Duration
	SweepConcurrency int

	// EncryptionPassword empty means a random per-process key.
	EncryptionPassword string
	SaltFile           string
	KDFIterations      int

	TempStorageDir     string
	SecureDeletePasses int

	SessionBackend string
	DatabaseURL    string
	RedisURL       string
	RedisPrefix    string
}

// RandomKey reports whether records will be sealed under a key that does not
// survive a restart.
func (c Config) RandomKey() bool { return c.EncryptionPassword == "" }

// fileConfig is the YAML overlay read from PRIVACY_CONFIG_FILE.
type fileConfig struct {
	SessionTimeoutSeconds    *int    `yaml:"sessionTimeoutSeconds"`
	EncryptionPassword       *string `yaml:"encryptionPassword"`
	TemporaryStorageLocation *string `yaml:"temporaryStorageLocation"`
	SecureDeletePasses       *int    `yaml:"secureDeletePasses"`
	CleanupIntervalSeconds   *int    `yaml:"cleanupIntervalSeconds"`
	LockTimeoutSeconds       *int    `yaml:"lockTimeoutSeconds"`
	KDFIterations            *int    `yaml:"kdfIterations"`
	SessionBackend           *string `yaml:"sessionBackend"`
}

// Load builds defaults, applies the optional YAML file, then environment
// variables, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           ":8080",
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   "sessionvault",
		LogLevel:           "info",
		SessionTimeout:     time.Hour,
		CleanupInterval:    time.Minute,
		LockTimeout:        5 * time.Second,
		SweepConcurrency:   4,
		KDFIterations:      MinKDFIterations,
		TempStorageDir:     filepath.Join(os.TempDir(), "sessionvault"),
		SecureDeletePasses: MinSecureDeletePasses,
		SessionBackend:     storage.ModeAuto,
		RedisPrefix:        storage.DefaultRedisPrefix,
	}

	if path := stringsTrimSpace("PRIVACY_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.SaltFile == "" {
		cfg.SaltFile = filepath.Join(cfg.TempStorageDir, "kdf.salt")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Key: "PRIVACY_CONFIG_FILE", Err: err}
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Key: "PRIVACY_CONFIG_FILE", Err: fmt.Errorf("%s: %w", path, err)}
	}
	if fc.SessionTimeoutSeconds != nil {
		cfg.SessionTimeout = time.Duration(*fc.SessionTimeoutSeconds) * time.Second
	}
	if fc.EncryptionPassword != nil {
		cfg.EncryptionPassword = *fc.EncryptionPassword
	}
	if fc.TemporaryStorageLocation != nil {
		cfg.TempStorageDir = strings.TrimSpace(*fc.TemporaryStorageLocation)
	}
	if fc.SecureDeletePasses != nil {
		cfg.SecureDeletePasses = *fc.SecureDeletePasses
	}
	if fc.CleanupIntervalSeconds != nil {
		cfg.CleanupInterval = time.Duration(*fc.CleanupIntervalSeconds) * time.Second
	}
	if fc.LockTimeoutSeconds != nil {
		cfg.LockTimeout = time.Duration(*fc.LockTimeoutSeconds) * time.Second
	}
	if fc.KDFIterations != nil {
		cfg.KDFIterations = *fc.KDFIterations
	}
	if fc.SessionBackend != nil {
		cfg.SessionBackend = strings.TrimSpace(*fc.SessionBackend)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.SaltFile = envOrDefault("ENCRYPTION_SALT_FILE", cfg.SaltFile)
	cfg.TempStorageDir = envOrDefault("TEMP_STORAGE_DIR", cfg.TempStorageDir)
	cfg.SessionBackend = strings.ToLower(envOrDefault("SESSION_BACKEND", cfg.SessionBackend))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.RedisPrefix = envOrDefault("REDIS_KEY_PREFIX", cfg.RedisPrefix)
	// Passwords are taken verbatim.
	if v, ok := os.LookupEnv("ENCRYPTION_PASSWORD"); ok && v != "" {
		cfg.EncryptionPassword = v
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.CleanupInterval, err = durationFromEnv("SESSION_CLEANUP_INTERVAL", cfg.CleanupInterval); err != nil {
		return err
	}
	if cfg.LockTimeout, err = durationFromEnv("SESSION_LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return err
	}
	seconds := int(cfg.SessionTimeout / time.Second)
	if seconds, err = intFromEnv("SESSION_TIMEOUT_SECONDS", seconds); err != nil {
		return err
	}
	cfg.SessionTimeout = time.Duration(seconds) * time.Second
	if cfg.SweepConcurrency, err = intFromEnv("SESSION_SWEEP_CONCURRENCY", cfg.SweepConcurrency); err != nil {
		return err
	}
	if cfg.KDFIterations, err = intFromEnv("ENCRYPTION_KDF_ITERATIONS", cfg.KDFIterations); err != nil {
		return err
	}
	if cfg.SecureDeletePasses, err = intFromEnv("SECURE_DELETE_PASSES", cfg.SecureDeletePasses); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings under which the service would run without
// working protection.
func (c Config) Validate() error {
	if c.SessionTimeout <= 0 {
		return invalid("SESSION_TIMEOUT_SECONDS", "must be positive, got %s", c.SessionTimeout)
	}
	if c.CleanupInterval <= 0 {
		return invalid("SESSION_CLEANUP_INTERVAL", "must be positive, got %s", c.CleanupInterval)
	}
	if c.LockTimeout <= 0 {
		return invalid("SESSION_LOCK_TIMEOUT", "must be positive, got %s", c.LockTimeout)
	}
	if c.SweepConcurrency <= 0 {
		return invalid("SESSION_SWEEP_CONCURRENCY", "must be positive, got %d", c.SweepConcurrency)
	}
	if c.KDFIterations < MinKDFIterations {
		return invalid("ENCRYPTION_KDF_ITERATIONS", "must be at least %d, got %d", MinKDFIterations, c.KDFIterations)
	}
	if c.SecureDeletePasses < MinSecureDeletePasses {
		return invalid("SECURE_DELETE_PASSES", "must be at least %d, got %d", MinSecureDeletePasses, c.SecureDeletePasses)
	}
	if strings.TrimSpace(c.TempStorageDir) == "" {
		return invalid("TEMP_STORAGE_DIR", "must not be empty")
	}

	switch c.SessionBackend {
	case storage.ModeAuto, storage.ModeMemory:
	case storage.ModePostgres:
		if c.DatabaseURL == "" {
			return invalid("DATABASE_URL", "required for the postgres session backend")
		}
	case storage.ModeRedis:
		if c.RedisURL == "" {
			return invalid("REDIS_URL", "required for the redis session backend")
		}
	default:
		return invalid("SESSION_BACKEND", "unknown backend %q", c.SessionBackend)
	}
	if mode := c.ResolvedBackend(); mode != storage.ModeMemory && c.RandomKey() {
		return invalid("ENCRYPTION_PASSWORD", "required for the durable %s backend; a random key cannot reopen records after restart", mode)
	}
	return nil
}

// ResolvedBackend is the concrete backend the configuration selects.
func (c Config) ResolvedBackend() string {
	return storage.ResolveMode(c.BackendConfig())
}

func (c Config) BackendConfig() storage.BackendConfig {
	return storage.BackendConfig{
		Mode:        c.SessionBackend,
		DatabaseURL: c.DatabaseURL,
		RedisURL:    c.RedisURL,
		RedisPrefix: c.RedisPrefix,
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &Error{Key: key, Err: fmt.Errorf("parse error: %w", err)}
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &Error{Key: key, Err: fmt.Errorf("parse error: %w", err)}
	}
	return n, nil
}
