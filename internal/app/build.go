package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/antoniostano/sessionvault/internal/config"
	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/httpapi"
	"github.com/antoniostano/sessionvault/internal/observability"
	"github.com/antoniostano/sessionvault/internal/securedata"
	"github.com/antoniostano/sessionvault/internal/session"
	"github.com/antoniostano/sessionvault/internal/storage"
)

type BuildOptions struct {
	Logger *zap.Logger
	// Registerer receives the service metrics. Nil uses the default registry.
	Registerer prometheus.Registerer
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Store   *session.Store
	Secure  *securedata.Manager
	Metrics *observability.Metrics
	Logger  *zap.Logger

	// Cleanup should be called on shutdown. With a memory backend it ends
	// every session first so no artifact outlives the process.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, opts BuildOptions) (*BuildResult, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	enc, err := newEncryption(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RandomKey() {
		log.Warn("no encryption password configured, using a random per-process key", zap.String("key_fp", enc.Fingerprint()))
	}

	secure, err := securedata.New(enc, cfg.SecureDeletePasses)
	if err != nil {
		return nil, fmt.Errorf("secure data manager init failed: %w", err)
	}

	blobs, err := storage.NewDiskBlobStore(cfg.TempStorageDir, secure)
	if err != nil {
		return nil, fmt.Errorf("temp storage init failed: %w", err)
	}

	backend, err := storage.NewSessionBackend(ctx, cfg.BackendConfig())
	if err != nil {
		return nil, fmt.Errorf("session backend init failed: %w", err)
	}

	store, err := session.New(session.Options{
		Backend:          backend,
		Blobs:            blobs,
		Secure:           secure,
		Timeout:          cfg.SessionTimeout,
		LockTimeout:      cfg.LockTimeout,
		SweepConcurrency: cfg.SweepConcurrency,
		Logger:           log,
		Metrics:          metrics,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	if n, err := store.ReconcileArtifacts(ctx); err != nil {
		log.Error("artifact reconcile incomplete", zap.Int("removed", n), zap.Error(err))
	}

	api := httpapi.New(store, metrics, log)

	durable := backend.Mode() != storage.ModeMemory
	cleanup := func() error {
		var errs *multierror.Error
		if !durable {
			// Nothing will point at these artifacts once the process exits.
			clearCtx, cancel := shutdownContext(cfg.ShutdownTimeout)
			defer cancel()
			if _, err := store.ClearAllSessions(clearCtx); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("clear sessions: %w", err))
			}
		}
		if err := backend.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close session backend: %w", err))
		}
		return errs.ErrorOrNil()
	}

	log.Info("session vault ready",
		zap.String("backend_mode", backend.Mode()),
		zap.String("temp_dir", blobs.Root()),
		zap.String("key_fp", enc.Fingerprint()),
		zap.Int("secure_delete_passes", secure.Passes()),
	)

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Store:   store,
		Secure:  secure,
		Metrics: metrics,
		Logger:  log,
		Cleanup: cleanup,
	}, nil
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// newEncryption derives the service key. A password key reuses the salt
// persisted beside the temporary storage so restarts can open old records.
func newEncryption(cfg config.Config) (*encryption.Manager, error) {
	if cfg.RandomKey() {
		enc, err := encryption.New(encryption.Config{})
		if err != nil {
			return nil, fmt.Errorf("encryption init failed: %w", err)
		}
		return enc, nil
	}
	salt, err := encryption.LoadOrCreateSalt(cfg.SaltFile)
	if err != nil {
		return nil, fmt.Errorf("load kdf salt: %w", err)
	}
	enc, err := encryption.New(encryption.Config{
		Password:   cfg.EncryptionPassword,
		Salt:       salt,
		Iterations: cfg.KDFIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("encryption init failed: %w", err)
	}
	return enc, nil
}
