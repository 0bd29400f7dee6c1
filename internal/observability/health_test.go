package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	t.Run("starts in not-ready state", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsReady())
	})
}

func TestHealthCheckerStateTransitions(t *testing.T) {
	t.Run("ready flag toggles", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		assert.True(t, h.IsReady())
		h.SetNotReady()
		assert.False(t, h.IsReady())
	})

	t.Run("started flag is one-way", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsStarted())
		h.SetStarted()
		assert.True(t, h.IsStarted())
	})
}

func TestStartzHandler(t *testing.T) {
	t.Run("returns 503 before startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.StartzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/startz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_started", body["status"])
	})

	t.Run("returns 200 after startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetStarted()
		handler := h.StartzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/startz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "started", body["status"])
	})
}

func TestHealthzHandler(t *testing.T) {
	t.Run("returns 200 even when not ready", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.HealthzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "alive", body["status"])
	})
}

func TestReadyzHandler(t *testing.T) {
	t.Run("returns 503 when not ready", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.ReadyzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("returns 200 when ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		handler := h.ReadyzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ready", body["status"])
	})
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func TestReadyzHandler_DeepCheck(t *testing.T) {
	deepRequest := func(h *HealthChecker) (*httptest.ResponseRecorder, map[string]string) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil)
		h.ReadyzHandler().ServeHTTP(rr, req)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		return rr, body
	}

	t.Run("deep=true returns 200 when all dependencies are healthy", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", &mockPinger{})
		h.SetPinger("authority", &mockPinger{})

		rr, body := deepRequest(h)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, "ok", body["redis"])
		assert.Equal(t, "ok", body["authority"])
	})

	t.Run("deep=true returns 503 when any dependency is unreachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", &mockPinger{})
		h.SetPinger("authority", &mockPinger{err: fmt.Errorf("connection refused")})

		rr, body := deepRequest(h)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "not_ready", body["status"])
		assert.Equal(t, "ok", body["redis"])
		assert.Equal(t, "unreachable", body["authority"])
	})

	t.Run("deep=true returns 200 when no pingers are registered", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		rr, body := deepRequest(h)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", body["status"])
	})

	t.Run("nil pinger clears a registration", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", &mockPinger{err: fmt.Errorf("down")})
		h.SetPinger("redis", nil)

		rr, _ := deepRequest(h)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
