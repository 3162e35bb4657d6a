package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/sessionvault/internal/audio"
)

// audioUpload is the JSON form of an upload. Data is base64 in the body.
type audioUpload struct {
	Data       []byte `json:"data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// handleStoreAudio accepts either a JSON audioUpload, which is encoded per
// its format, or a raw body that is stored as-is.
func (s *Server) handleStoreAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)

	var (
		path string
		err  error
	)
	if isJSON(r) {
		var up audioUpload
		if err := decodeJSON(r, &up); err != nil {
			respondBodyError(w, err)
			return
		}
		if len(up.Data) == 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "audio data is required")
			return
		}
		path, err = s.store.StoreAudioBuffer(r.Context(), id, &audio.Buffer{
			Data:       up.Data,
			Format:     up.Format,
			SampleRate: up.SampleRate,
			Channels:   up.Channels,
		})
	} else {
		data, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			respondBodyError(w, readErr)
			return
		}
		if len(data) == 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "audio data is required")
			return
		}
		path, err = s.store.StoreAudioData(r.Context(), id, data)
		clear(data)
	}
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"session_id": id, "path": path})
}

func (s *Server) handleRetrieveAudio(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "path query parameter is required")
		return
	}
	data, err := s.store.RetrieveAudioData(r.Context(), chi.URLParam(r, "id"), path)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	defer clear(data)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteAudio(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "path query parameter is required")
		return
	}
	if err := s.store.DeleteAudioData(r.Context(), chi.URLParam(r, "id"), path); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func respondBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
}
