package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tenantgate/tenantgate/internal/admission"
	"github.com/tenantgate/tenantgate/internal/correlation"
	"github.com/tenantgate/tenantgate/internal/snapshot"
)

// Pre-serialized error bodies.
var (
	jsonBadRequest = []byte(`{"error":"invalid request body"}`)
	jsonNoProject  = []byte(`{"error":"project_id is required"}`)
)

// admissionRequest is the body for the check endpoints.
type admissionRequest struct {
	ProjectID string `json:"project_id"`
	Service   string `json:"service"`
}

// decisionResponse is the wire shape of an admission decision.
type decisionResponse struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	RetryAfter      int    `json:"retry_after_seconds,omitempty"`
	OpenConnections *int64 `json:"open_connections,omitempty"`
}

// apiHandler builds the admission API mux. Every route runs through the
// correlation middleware so responses echo X-Correlation-Id and all logs
// carry it.
func (s *Server) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/admission/operation", s.handleCheckOperation)
	mux.HandleFunc("POST /v1/admission/connection", s.handleCheckConnection)
	mux.HandleFunc("POST /v1/projects/{id}/connections", s.handleRegisterConnection)
	mux.HandleFunc("DELETE /v1/projects/{id}/connections", s.handleUnregisterConnection)
	mux.HandleFunc("GET /v1/projects/{id}/connections", s.handleGetConnections)
	mux.HandleFunc("GET /v1/projects/{id}/snapshot", s.handleGetSnapshot)
	mux.HandleFunc("DELETE /v1/cache/{id}", s.handleInvalidateCache)
	mux.HandleFunc("DELETE /v1/cache", s.handleClearCache)
	mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)

	return s.withCorrelation(mux)
}

// withCorrelation ensures every request context carries a correlation id,
// echoes it back to the caller, and records request duration.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := correlation.WithID(r.Context(), r.Header.Get(correlation.Header))
		ctx, id := correlation.Ensure(ctx)
		w.Header().Set(correlation.Header, id)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		s.metrics.PromRequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// handleCheckOperation validates a single operation against a service
// without touching the connection counter.
func (s *Server) handleCheckOperation(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Service == "" {
		req.Service = snapshot.ServiceGraphQL
	}

	d := s.validator.ValidateOperation(r.Context(), req.ProjectID, req.Service)
	writeDecision(w, d, nil)
}

// handleCheckConnection validates a prospective realtime connection without
// reserving a counter slot.
func (s *Server) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	d := s.validator.ValidateConnection(r.Context(), req.ProjectID)
	writeDecision(w, d, nil)
}

// handleRegisterConnection admits a realtime connection and reserves its
// counter slot. The caller must pair every 201 with exactly one DELETE.
func (s *Server) handleRegisterConnection(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	d := s.validator.RegisterConnection(r.Context(), projectID)
	if d.Allowed {
		s.openConns.Add(1)
		count, _ := s.conns.Get(r.Context(), projectID)
		writeJSON(w, http.StatusCreated, decisionResponse{Allowed: true, OpenConnections: &count})
		return
	}
	writeDecision(w, d, nil)
}

// handleUnregisterConnection releases an admitted connection's counter slot.
func (s *Server) handleUnregisterConnection(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	s.validator.UnregisterConnection(r.Context(), projectID)
	if s.openConns.Add(-1) < 0 {
		s.openConns.Add(1)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetConnections reports the live connection count for a project.
func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	count, err := s.conns.Get(r.Context(), projectID)
	if err != nil {
		s.metrics.IncCounterErrors()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "counter backend unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":  projectID,
		"connections": count,
	})
}

// handleGetSnapshot exposes the cached snapshot for debugging. 404 covers
// both an unknown project and a failed fetch; absence is all a caller may
// learn either way.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	snap := s.snapshots.GetSnapshot(r.Context(), projectID)
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

// handleInvalidateCache drops one project's cached snapshot.
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	removed := s.snapshots.InvalidateCache(projectID)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// handleClearCache drops all cached snapshots.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	removed := s.snapshots.ClearCache()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleCacheStats reports snapshot cache effectiveness.
func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshots.Stats())
}

// decodeBody parses and validates the admission request body, writing the
// error response itself when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, req *admissionRequest) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(jsonBadRequest)
		return false
	}
	if req.ProjectID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(jsonNoProject)
		return false
	}
	return true
}

// writeDecision maps a decision to HTTP: allow is 200, quota exhaustion is
// 429 with Retry-After, every other denial is 403 (with Retry-After when
// the denial is retryable).
func writeDecision(w http.ResponseWriter, d admission.Decision, open *int64) {
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusForbidden
		if d.Reason == admission.ReasonConnectionLimit {
			status = http.StatusTooManyRequests
		}
		if secs := d.RetryAfterSeconds(); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	writeJSON(w, status, decisionResponse{
		Allowed:         d.Allowed,
		Reason:          d.Reason,
		RetryAfter:      d.RetryAfterSeconds(),
		OpenConnections: open,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
