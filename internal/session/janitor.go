package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/sessionvault/internal/model"
)

// CleanupExpiredSessions ends every session idle for longer than the
// timeout and resumes sessions left in the ending state. Sessions whose
// lock is held are skipped until the next sweep. It returns how many
// sessions were fully removed.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	var (
		mu      sync.Mutex
		cleaned int
		errs    error
	)
	now := s.now()
	g := new(errgroup.Group)
	g.SetLimit(s.sweepConcurrency)
	for _, id := range ids {
		id := id
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ended, err := s.sweepOne(ctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			if ended {
				cleaned++
			}
			if err != nil {
				errs = appendErr(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SweepEnded(cleaned)
	if err := ctx.Err(); err != nil {
		errs = appendErr(errs, err)
	}
	return cleaned, errs
}

func (s *Store) sweepOne(ctx context.Context, id string, now time.Time) (bool, error) {
	release, ok := s.locks.tryAcquire(id, writerWeight)
	if !ok {
		s.log.Debug("sweep skipped busy session", zap.String("session_id", id))
		return false, nil
	}
	defer release()

	sess, err := s.load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	event := "expired"
	switch {
	case sess.Status == model.StatusEnding:
		event = "resumed"
	case !s.expired(sess, now):
		return false, nil
	}
	if err := s.end(ctx, sess); err != nil {
		return false, err
	}
	s.metrics.SessionEvent(event)
	return true, nil
}

// ClearAllSessions ends every stored session regardless of expiry, waiting
// for each session's lock. It is meant for shutdown of a process whose
// backend does not outlive it. It returns how many sessions were removed.
func (s *Store) ClearAllSessions(ctx context.Context) (int, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	var (
		mu      sync.Mutex
		cleared int
		errs    error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.sweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			ended, err := s.clearOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if ended {
				cleared++
			}
			if err != nil {
				errs = appendErr(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if cleared > 0 {
		s.log.Info("cleared all sessions", zap.Int("cleared", cleared))
	}
	return cleared, errs
}

func (s *Store) clearOne(ctx context.Context, id string) (bool, error) {
	release, err := s.locks.acquire(ctx, id, writerWeight)
	if err != nil {
		return false, fmt.Errorf("clear session %s: %w", id, err)
	}
	defer release()

	sess, err := s.load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.end(ctx, sess); err != nil {
		return false, err
	}
	s.metrics.SessionEvent("cleared")
	return true, nil
}

// ReconcileArtifacts destroys blobs that no stored session tracks, such as
// files left by a crash between writing an artifact and persisting the
// session, or by a process whose sessions did not survive it. It must run
// before the store serves requests. If any record cannot be opened nothing
// is removed, since its artifacts cannot be told apart from orphans.
func (s *Store) ReconcileArtifacts(ctx context.Context) (int, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile artifacts: list sessions: %w", err)
	}
	tracked := make(map[string]struct{})
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("reconcile artifacts: %w", err)
		}
		for _, f := range sess.TempFiles {
			tracked[f.Path] = struct{}{}
		}
	}

	paths, err := s.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile artifacts: %w", err)
	}
	var (
		removed int
		errs    error
	)
	for _, p := range paths {
		if _, ok := tracked[p]; ok {
			continue
		}
		if err := s.removeArtifact(ctx, p); err != nil {
			errs = appendErr(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Warn("removed untracked artifacts", zap.Int("removed", removed))
	}
	return removed, errs
}

// StartJanitor sweeps on every tick until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.CleanupExpiredSessions(ctx)
				if err != nil && ctx.Err() == nil {
					s.log.Error("session sweep failed", zap.Int("cleaned", n), zap.Error(err))
				} else if n > 0 {
					s.log.Info("session sweep", zap.Int("cleaned", n))
				}
			}
		}
	}()
}
