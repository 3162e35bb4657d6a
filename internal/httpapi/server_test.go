package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/observability"
	"github.com/antoniostano/sessionvault/internal/securedata"
	"github.com/antoniostano/sessionvault/internal/session"
	"github.com/antoniostano/sessionvault/internal/storage"
)

func newTestAPI(t *testing.T) *Server {
	t.Helper()
	key, err := encryption.RandomKey()
	if err != nil {
		t.Fatalf("RandomKey() error = %v", err)
	}
	enc, err := encryption.NewWithKey(key)
	if err != nil {
		t.Fatalf("NewWithKey() error = %v", err)
	}
	secure, err := securedata.New(enc, 3)
	if err != nil {
		t.Fatalf("securedata.New() error = %v", err)
	}
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	store, err := session.New(session.Options{
		Backend: storage.NewMemoryBackend(),
		Blobs:   storage.NewMemoryBlobStore(),
		Secure:  secure,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return New(store, metrics, nil)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(newTestAPI(t).Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, url, err)
		}
	}
	return res, out
}

func TestCreateAndEndSession(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"language": "es"})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	getRes, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+sessionID, nil)
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get after end status = %d, want %d", getRes.StatusCode, http.StatusNotFound)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, created := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	id := created["session_id"].(string)
	base := ts.URL + "/v1/sessions/" + id

	patch := map[string]any{
		"append_turns": []map[string]any{{
			"user_input": "I'm John Smith, call 555-123-4567",
			"system_response": map[string]any{
				"text": "Thanks, we will call you.",
			},
			"confidence": 0.9,
		}},
		"user_context": map[string]any{
			"location": map[string]any{"state": "CA", "county": "Alameda", "zip_code": "94601"},
		},
	}
	res, updated := doJSON(t, http.MethodPatch, base, patch)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want %d: %+v", res.StatusCode, http.StatusOK, updated)
	}
	raw, _ := json.Marshal(updated)
	for _, leaked := range []string{"John Smith", "555-123-4567", "Alameda", "94601"} {
		if strings.Contains(string(raw), leaked) {
			t.Fatalf("patched session contains %q: %s", leaked, raw)
		}
	}
	if !strings.Contains(string(raw), "[FULL_NAME_1]") || !strings.Contains(string(raw), "946XX") {
		t.Fatalf("patched session missing placeholders: %s", raw)
	}

	audioBody, _ := json.Marshal(map[string]any{
		"data":        base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}),
		"format":      "pcm_s16le",
		"sample_rate": 16000,
		"channels":    1,
	})
	audioRes, err := http.Post(base+"/audio", "application/json", bytes.NewReader(audioBody))
	if err != nil {
		t.Fatalf("store audio error = %v", err)
	}
	var stored map[string]any
	_ = json.NewDecoder(audioRes.Body).Decode(&stored)
	audioRes.Body.Close()
	if audioRes.StatusCode != http.StatusCreated {
		t.Fatalf("store audio status = %d, want %d", audioRes.StatusCode, http.StatusCreated)
	}
	path, _ := stored["path"].(string)
	if path == "" {
		t.Fatalf("missing path in store response: %+v", stored)
	}

	getAudio, err := http.Get(base + "/audio?path=" + url.QueryEscape(path))
	if err != nil {
		t.Fatalf("retrieve audio error = %v", err)
	}
	wav, _ := io.ReadAll(getAudio.Body)
	getAudio.Body.Close()
	if getAudio.StatusCode != http.StatusOK {
		t.Fatalf("retrieve audio status = %d, want %d", getAudio.StatusCode, http.StatusOK)
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Fatalf("retrieved audio is not a wav container: %x", wav)
	}

	rawRes, err := http.Post(base+"/audio", "application/octet-stream", bytes.NewReader([]byte("opaque")))
	if err != nil {
		t.Fatalf("store raw audio error = %v", err)
	}
	rawRes.Body.Close()
	if rawRes.StatusCode != http.StatusCreated {
		t.Fatalf("store raw audio status = %d, want %d", rawRes.StatusCode, http.StatusCreated)
	}

	res, report := doJSON(t, http.MethodGet, base+"/privacy", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("privacy status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if report["data_encrypted"] != true || report["pii_anonymized"] != true {
		t.Fatalf("privacy report = %+v, want encrypted and anonymized", report)
	}
	if got := report["temp_files_tracked"]; got != float64(2) {
		t.Fatalf("temp_files_tracked = %v, want 2", got)
	}

	res, _ = doJSON(t, http.MethodDelete, base+"/audio?path="+url.QueryEscape(path), nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete audio status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	res, _ = doJSON(t, http.MethodGet, base+"/audio?path="+url.QueryEscape(path), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("retrieve deleted audio status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res, _ = doJSON(t, http.MethodPost, base+"/end", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res, _ = doJSON(t, http.MethodGet, base+"/privacy", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("privacy after end status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestInvalidRequests(t *testing.T) {
	ts := newTestServer(t)
	_, created := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil)
	base := ts.URL + "/v1/sessions/" + created["session_id"].(string)

	tests := []struct {
		name   string
		method string
		url    string
		body   any
		want   int
	}{
		{"empty language", http.MethodPatch, base, map[string]any{"language": ""}, http.StatusBadRequest},
		{"confidence out of range", http.MethodPatch, base, map[string]any{"append_turns": []map[string]any{{"confidence": 1.5}}}, http.StatusBadRequest},
		{"unknown field", http.MethodPatch, base, map[string]any{"nickname": "x"}, http.StatusBadRequest},
		{"missing audio path", http.MethodGet, base + "/audio", nil, http.StatusBadRequest},
		{"unknown session", http.MethodGet, ts.URL + "/v1/sessions/does-not-exist", nil, http.StatusNotFound},
		{"untracked audio", http.MethodGet, base + "/audio?path=mem://audio/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := doJSON(t, tt.method, tt.url, tt.body)
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d: %+v", res.StatusCode, tt.want, body)
			}
			if body["code"] == "" || body["code"] == nil {
				t.Fatalf("missing error code in %+v", body)
			}
		})
	}
}

func TestMalformedBodies(t *testing.T) {
	router := newTestAPI(t).Router()
	send := func(method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, body)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := send(http.MethodPost, "/v1/sessions", "application/json", strings.NewReader(`{"language":"fr"`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("truncated create status = %d, want %d: %s", rec.Code, http.StatusBadRequest, rec.Body)
	}
	if rec := send(http.MethodPost, "/v1/sessions", "application/json", nil); rec.Code != http.StatusCreated {
		t.Fatalf("empty create status = %d, want %d", rec.Code, http.StatusCreated)
	}

	rec = send(http.MethodPost, "/v1/sessions", "", nil)
	var created map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	audioURL := "/v1/sessions/" + created["session_id"].(string) + "/audio"

	oversized := `{"data":"` + strings.Repeat("A", maxAudioBytes+16) + `"}`
	for _, tc := range []struct {
		name, contentType string
	}{
		{"json", "application/json"},
		{"raw", "application/octet-stream"},
	} {
		rec := send(http.MethodPost, audioURL, tc.contentType, strings.NewReader(oversized))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("%s oversized upload status = %d, want %d", tc.name, rec.Code, http.StatusRequestEntityTooLarge)
		}
		if !strings.Contains(rec.Body.String(), "audio_too_large") {
			t.Fatalf("%s oversized upload body = %s, want audio_too_large", tc.name, rec.Body)
		}
	}
	if rec := send(http.MethodPost, audioURL, "application/json", strings.NewReader(`{"data":"AAAA"`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("truncated audio status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHealthReadyMetricsAndCleanup(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, body := doJSON(t, http.MethodGet, ts.URL+path, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		if body["backend_mode"] != "memory" {
			t.Fatalf("GET %s backend_mode = %v, want memory", path, body["backend_mode"])
		}
	}

	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil)
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	metricsBody, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(metricsBody), "test_httpapi_session_events_total") {
		t.Fatalf("metrics output missing session events:\n%s", metricsBody)
	}

	res, body := doJSON(t, http.MethodPost, ts.URL+"/v1/maintenance/cleanup", nil)
	if res.StatusCode != http.StatusOK || body["cleaned"] != float64(0) {
		t.Fatalf("cleanup = %d %+v, want 200 with cleaned 0", res.StatusCode, body)
	}
}

func TestRespondStoreErrorMapping(t *testing.T) {
	srv := New(nil, nil, nil)
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", fmt.Errorf("get: %w", session.ErrSessionNotFound), http.StatusNotFound, "session_not_found"},
		{"audio", session.ErrAudioNotFound, http.StatusNotFound, "audio_not_found"},
		{"busy", session.ErrSessionBusy, http.StatusConflict, "session_busy"},
		{"invalid", fmt.Errorf("%w: bad", session.ErrInvalidPatch), http.StatusBadRequest, "invalid_request"},
		{"integrity", fmt.Errorf("load: %w", encryption.ErrIntegrity), http.StatusInternalServerError, "integrity_error"},
		{"secure deletion", fmt.Errorf("end: %w", &securedata.SecureDeletionError{Path: "/tmp/x", Pass: 2, Err: errors.New("disk")}), http.StatusServiceUnavailable, "secure_deletion_failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.respondStoreError(rec, tt.err)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Code != tt.code {
				t.Fatalf("code = %q, want %q", body.Code, tt.code)
			}
			if tt.want == http.StatusConflict && rec.Header().Get("Retry-After") == "" {
				t.Fatalf("busy response missing Retry-After")
			}
			if strings.Contains(body.Error, "/tmp/x") {
				t.Fatalf("error message leaks artifact path: %q", body.Error)
			}
		})
	}
}
