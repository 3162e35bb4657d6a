package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/antoniostano/sessionvault/internal/audio"
	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/model"
	"github.com/antoniostano/sessionvault/internal/reliability"
	"github.com/antoniostano/sessionvault/internal/securedata"
	"github.com/antoniostano/sessionvault/internal/storage"
)

// StoreAudioData seals data into the blob store and tracks the returned path
// against the session so that ending the session destroys it.
func (s *Store) StoreAudioData(ctx context.Context, id string, data []byte) (string, error) {
	release, err := s.locks.acquire(ctx, id, writerWeight)
	if err != nil {
		return "", err
	}
	defer release()

	sess, err := s.loadActive(ctx, id)
	if err != nil {
		return "", err
	}
	sealed, err := s.secure.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("seal audio: %w", err)
	}
	path, err := s.blobs.Put(ctx, id, sealed)
	if err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}

	now := s.now()
	sess.TempFiles = append(sess.TempFiles, model.TrackedFile{Path: path, SessionID: id, CreatedAt: now})
	sess.LastActivityAt = now
	if err := s.persist(ctx, sess, false); err != nil {
		// The artifact is not tracked anywhere; destroy it now.
		if rerr := s.removeArtifact(ctx, path); rerr != nil {
			s.log.Error("orphaned audio artifact", zap.String("session_id", id), zap.String("path", path), zap.Error(rerr))
			return "", appendErr(err, rerr)
		}
		return "", err
	}
	s.metrics.SessionEvent("audio_stored")
	return path, nil
}

// StoreAudioBuffer encodes buf, stores it, and wipes both the buffer and the
// encoded copy from memory.
func (s *Store) StoreAudioBuffer(ctx context.Context, id string, buf *audio.Buffer) (string, error) {
	if buf == nil {
		return "", errors.New("nil audio buffer")
	}
	defer buf.Wipe(s.secure.SecureWipeBuffer)
	data, err := buf.Encode()
	if err != nil {
		return "", fmt.Errorf("encode audio: %w", err)
	}
	defer s.secure.SecureWipeBuffer(data)
	return s.StoreAudioData(ctx, id, data)
}

// RetrieveAudioData returns the decrypted artifact. Paths not tracked by
// this session are reported as ErrAudioNotFound, whoever owns them.
func (s *Store) RetrieveAudioData(ctx context.Context, id, path string) ([]byte, error) {
	release, err := s.locks.acquire(ctx, id, readerWeight)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Tracks(path) {
		return nil, ErrAudioNotFound
	}
	sealed, err := s.blobs.Get(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAudioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	data, err := s.secure.Decrypt(sealed)
	if err != nil {
		if errors.Is(err, encryption.ErrIntegrity) {
			s.metrics.IntegrityFailure()
			s.log.Error("audio artifact failed integrity check", zap.String("session_id", id), zap.String("path", path))
		}
		return nil, fmt.Errorf("open audio: %w", err)
	}
	return data, nil
}

// DeleteAudioData securely destroys a tracked artifact and untracks it.
// Untracked paths are left alone and reported as success.
func (s *Store) DeleteAudioData(ctx context.Context, id, path string) error {
	release, err := s.locks.acquire(ctx, id, writerWeight)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.loadActive(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Tracks(path) {
		return nil
	}
	if err := s.removeArtifact(ctx, path); err != nil {
		return fmt.Errorf("delete audio for session %s: %w", id, err)
	}
	sess.Untrack(path)
	sess.LastActivityAt = s.now()
	if err := s.persist(ctx, sess, false); err != nil {
		return err
	}
	s.metrics.SessionEvent("audio_deleted")
	return nil
}

// removeTracked destroys every artifact of sess, leaving only the failures
// in sess.TempFiles.
func (s *Store) removeTracked(ctx context.Context, sess *model.Session) error {
	var errs error
	remaining := make([]model.TrackedFile, 0, len(sess.TempFiles))
	for _, f := range sess.TempFiles {
		if err := s.removeArtifact(ctx, f.Path); err != nil {
			errs = appendErr(errs, err)
			remaining = append(remaining, f)
		}
	}
	sess.TempFiles = remaining
	return errs
}

// removeArtifact retries secure deletion a bounded number of times. The
// deletion itself does not observe ctx once it has started.
func (s *Store) removeArtifact(ctx context.Context, path string) error {
	err := retry.Do(
		func() error { return s.blobs.Remove(context.WithoutCancel(ctx), path) },
		retry.Attempts(s.deleteAttempts),
		retry.RetryIf(reliability.IsRetryable),
		retry.DelayType(reliability.Backoff(20*time.Millisecond, 200*time.Millisecond)),
		retry.LastErrorOnly(true),
	)
	s.metrics.SecureDelete(err == nil)
	if err == nil {
		return nil
	}
	s.log.Warn("secure delete failed", zap.String("path", path), zap.Error(err))
	if !errors.Is(err, securedata.ErrSecureDeletion) {
		err = &securedata.SecureDeletionError{Path: path, Err: err}
	}
	return err
}

func appendErr(errs error, err error) error {
	return multierror.Append(errs, err)
}
