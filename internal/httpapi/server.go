package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/observability"
	"github.com/antoniostano/sessionvault/internal/securedata"
	"github.com/antoniostano/sessionvault/internal/session"
)

// maxAudioBytes bounds a single uploaded artifact.
const maxAudioBytes = 32 << 20

type Server struct {
	store      *session.Store
	metrics    *observability.Metrics
	log        *zap.Logger
	retryAfter time.Duration
}

func New(store *session.Store, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:      store,
		metrics:    metrics,
		log:        log,
		retryAfter: time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Patch("/", s.handleUpdateSession)
		r.Post("/end", s.handleEndSession)
		r.Post("/audio", s.handleStoreAudio)
		r.Get("/audio", s.handleRetrieveAudio)
		r.Delete("/audio", s.handleDeleteAudio)
		r.Get("/privacy", s.handlePrivacyReport)
	})
	r.Post("/v1/maintenance/cleanup", s.handleCleanup)

	return r
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return observability.MetricsHandler()
	}
	return s.metrics.Handler()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"backend_mode": s.store.Backend().Mode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Backend().Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "backend_unavailable", "session backend is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"backend_mode": s.store.Backend().Mode(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	cleaned, err := s.store.CleanupExpiredSessions(r.Context())
	if err != nil {
		s.log.Error("cleanup sweep finished with errors", zap.Int("cleaned", cleaned), zap.Error(err))
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cleaned": cleaned})
}

// respondStoreError maps store errors onto status codes. Messages never
// include record contents.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	var delErr *securedata.SecureDeletionError
	switch {
	case errors.Is(err, session.ErrInvalidPatch):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, session.ErrAudioNotFound):
		respondError(w, http.StatusNotFound, "audio_not_found", "audio artifact not found for session")
	case errors.Is(err, session.ErrSessionBusy):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter/time.Second)))
		respondError(w, http.StatusConflict, "session_busy", "session is busy, retry later")
	case errors.As(err, &delErr), errors.Is(err, securedata.ErrSecureDeletion):
		respondError(w, http.StatusServiceUnavailable, "secure_deletion_failed", "temporary artifacts could not be destroyed, retry later")
	case errors.Is(err, encryption.ErrIntegrity):
		respondError(w, http.StatusInternalServerError, "integrity_error", "stored session failed integrity verification")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "request_cancelled", err.Error())
	default:
		s.log.Error("session store error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty request body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		// io.EOF only when the body held no value; a cut-off value is malformed.
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
