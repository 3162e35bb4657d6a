package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/model"
	"github.com/antoniostano/sessionvault/internal/observability"
	"github.com/antoniostano/sessionvault/internal/securedata"
	"github.com/antoniostano/sessionvault/internal/storage"
)

const (
	DefaultTimeout     = time.Hour
	DefaultLockTimeout = 5 * time.Second
)

type Options struct {
	Backend     storage.SessionBackend
	Blobs       storage.BlobStore
	Secure      *securedata.Manager
	Timeout     time.Duration
	LockTimeout time.Duration
	// SweepConcurrency bounds how many sessions one sweep ends in parallel.
	SweepConcurrency int
	// DeleteAttempts bounds secure deletion retries per artifact.
	DeleteAttempts uint
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Clock          func() time.Time
}

// Store keeps sessions anonymized and sealed in a backend and owns the
// temporary artifacts each session creates.
type Store struct {
	backend          storage.SessionBackend
	blobs            storage.BlobStore
	secure           *securedata.Manager
	timeout          time.Duration
	locks            *lockTable
	sweepConcurrency int
	deleteAttempts   uint
	log              *zap.Logger
	metrics          *observability.Metrics
	clock            func() time.Time
}

func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("session store requires a backend")
	}
	if opts.Secure == nil {
		return nil, errors.New("session store requires a secure data manager")
	}
	if opts.Blobs == nil {
		opts.Blobs = storage.NewMemoryBlobStore()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 4
	}
	if opts.DeleteAttempts == 0 {
		opts.DeleteAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		backend:          storage.Sealed(opts.Backend),
		blobs:            opts.Blobs,
		secure:           opts.Secure,
		timeout:          opts.Timeout,
		locks:            newLockTable(opts.LockTimeout, opts.Metrics),
		sweepConcurrency: opts.SweepConcurrency,
		deleteAttempts:   opts.DeleteAttempts,
		log:              opts.Logger.With(zap.String("key_fp", opts.Secure.KeyFingerprint())),
		metrics:          opts.Metrics,
		clock:            opts.Clock,
	}, nil
}

func (s *Store) Timeout() time.Duration { return s.timeout }

func (s *Store) Backend() storage.SessionBackend { return s.backend }

func (s *Store) now() time.Time { return s.clock().UTC() }

// CreateSession persists an empty sealed session and returns its id.
func (s *Store) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	now := s.now()
	sess := &model.Session{
		ID:             uuid.NewString(),
		Status:         model.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Language:       req.Language,
		Turns:          []model.ConversationTurn{},
		UserContext:    req.UserContext.Clone(),
	}
	if sess.Language == "" {
		sess.Language = "en"
	}
	if err := s.persist(ctx, sess, true); err != nil {
		return "", err
	}
	s.metrics.SessionEvent("created")
	s.metrics.AddActiveSessions(1)
	s.log.Debug("session created", zap.String("session_id", sess.ID))
	return sess.ID, nil
}

// GetSession returns the stored, already anonymized session. It never
// changes the record.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	release, err := s.locks.acquire(ctx, id, readerWeight)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.loadVisible(ctx, id)
}

// UpdateSession applies p under the session's write lock, anonymizes and
// reseals the result, and refreshes the activity time.
func (s *Store) UpdateSession(ctx context.Context, id string, p Patch) error {
	if err := p.validate(); err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, id, writerWeight)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.loadActive(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if p.Language != nil {
		sess.Language = *p.Language
	}
	if p.DisclaimerAcknowledged != nil {
		sess.DisclaimerAcknowledged = *p.DisclaimerAcknowledged
	}
	if p.UserContext != nil {
		mergeUserContext(&sess.UserContext, *p.UserContext)
	}
	for _, turn := range p.AppendTurns {
		turn = turn.Clone()
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		sess.Turns = append(sess.Turns, turn)
	}
	sess.LastActivityAt = now
	if err := s.persist(ctx, sess, false); err != nil {
		return err
	}
	s.metrics.SessionEvent("updated")
	return nil
}

// EndSession destroys every tracked artifact and then the record. If any
// artifact survives, the session stays in the ending state with the
// survivors tracked, and the error matches securedata.ErrSecureDeletion.
// Calling it again resumes the cleanup.
func (s *Store) EndSession(ctx context.Context, id string) error {
	release, err := s.locks.acquire(ctx, id, writerWeight)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return s.end(ctx, sess)
}

func (s *Store) end(ctx context.Context, sess *model.Session) error {
	log := s.log.With(zap.String("session_id", sess.ID))
	if sess.Status != model.StatusEnding {
		sess.Status = model.StatusEnding
		if err := s.persist(ctx, sess, false); err != nil {
			return err
		}
		s.metrics.SessionEvent("ending")
		s.metrics.AddActiveSessions(-1)
	}

	if err := s.removeTracked(ctx, sess); err != nil {
		if perr := s.persist(ctx, sess, false); perr != nil {
			log.Error("persist remaining artifacts", zap.Error(perr))
			err = appendErr(err, perr)
		}
		log.Error("session cleanup incomplete", zap.Int("remaining", len(sess.TempFiles)), zap.Error(err))
		return fmt.Errorf("end session %s: %w", sess.ID, err)
	}

	if err := s.backend.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("end session %s: delete record: %w", sess.ID, err)
	}
	s.metrics.SessionEvent("ended")
	log.Info("session ended")
	return nil
}

// ActiveSessionCount reports active, unexpired sessions.
func (s *Store) ActiveSessionCount(ctx context.Context) (int, error) {
	ids, err := s.SessionIDs(ctx)
	return len(ids), err
}

// SessionIDs lists active, unexpired sessions. Records that fail to open are
// skipped and reported in the returned error.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var (
		out  []string
		errs error
	)
	now := s.now()
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			errs = appendErr(errs, err)
			continue
		}
		if sess.Status == model.StatusActive && !s.expired(sess, now) {
			out = append(out, id)
		}
	}
	s.metrics.SetActiveSessions(len(out))
	return out, errs
}

func (s *Store) expired(sess *model.Session, now time.Time) bool {
	return now.Sub(sess.LastActivityAt) >= s.timeout
}

// load opens the record in whatever state it is in.
func (s *Store) load(ctx context.Context, id string) (*model.Session, error) {
	blob, err := s.backend.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess, err := s.secure.Unprotect(blob)
	if err != nil {
		if errors.Is(err, encryption.ErrIntegrity) {
			s.metrics.IntegrityFailure()
			s.log.Error("session record failed integrity check", zap.String("session_id", id), zap.Error(err))
		}
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	return sess, nil
}

// loadVisible hides sessions that expired but were not swept yet.
func (s *Store) loadVisible(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.StatusActive && s.expired(sess, s.now()) {
		return nil, fmt.Errorf("%w: %s expired", ErrSessionNotFound, id)
	}
	return sess, nil
}

// loadActive is loadVisible restricted to sessions that accept writes.
func (s *Store) loadActive(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.loadVisible(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotFound, id, sess.Status)
	}
	return sess, nil
}

func (s *Store) persist(ctx context.Context, sess *model.Session, create bool) error {
	blob, counts, err := s.secure.Protect(sess)
	if err != nil {
		return err
	}
	if create {
		err = s.backend.Create(ctx, sess.ID, blob)
	} else {
		err = s.backend.Update(ctx, sess.ID, blob)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
	}
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	for category, n := range counts {
		s.metrics.PIIDetected(string(category), n)
	}
	return nil
}
