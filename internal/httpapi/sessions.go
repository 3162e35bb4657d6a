package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/sessionvault/internal/session"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := s.store.CreateSession(r.Context(), req)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.log.Info("session created", zap.String("session_id", id))
	respondJSON(w, http.StatusCreated, map[string]any{
		"session_id":  id,
		"timeout_sec": int(s.store.Timeout().Seconds()),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch session.Patch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.store.UpdateSession(r.Context(), id, patch); err != nil {
		s.respondStoreError(w, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.EndSession(r.Context(), id); err != nil {
		s.log.Warn("end session failed", zap.String("session_id", id), zap.Error(err))
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

func (s *Server) handlePrivacyReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetPrivacyReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
