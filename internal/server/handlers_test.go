package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/correlation"
)

// authorityStub is a fake project authority with per-project canned
// responses. Projects not present answer 404.
type authorityStub struct {
	mu        sync.Mutex
	snapshots map[string]string // project id -> snapshot JSON
	status    int               // when non-zero, every request answers this
}

func (a *authorityStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()

		if a.status != 0 {
			w.WriteHeader(a.status)
			return
		}
		parts := strings.Split(r.URL.Path, "/")
		body, ok := a.snapshots[parts[len(parts)-1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"snapshot":%s}`, body)
	})
}

func (a *authorityStub) set(projectID, snapshotJSON string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots[projectID] = snapshotJSON
}

func activeSnapshotJSON(quota int64) string {
	return fmt.Sprintf(`{
		"project":{"id":"proj-1","status":"ACTIVE","environment":"production"},
		"services":{"realtime":{"enabled":true},"graphql":{"enabled":true}},
		"quotas":{"realtime_connections":%d},
		"version":"v1"
	}`, quota)
}

// newTestServer builds a full Server (memory counter) against a stub
// authority and returns the admission API handler.
func newTestServer(t *testing.T) (*Server, http.Handler, *authorityStub) {
	t.Helper()

	authority := &authorityStub{snapshots: map[string]string{}}
	authSrv := httptest.NewServer(authority.handler())
	t.Cleanup(authSrv.Close)

	cfg := config.Defaults()
	cfg.Authority.URL = authSrv.URL + "/v1/snapshots"
	cfg.Authority.Timeout = "2s"

	srv, err := New(cfg, slog.Default(), "test")
	require.NoError(t, err)

	return srv, srv.apiHandler(), authority
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmissionEndpoints(t *testing.T) {
	_, h, authority := newTestServer(t)
	authority.set("proj-1", activeSnapshotJSON(10))

	t.Run("operation check allows active project", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/admission/operation",
			`{"project_id":"proj-1","service":"graphql"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp decisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Allowed)
		assert.Empty(t, resp.Reason)
	})

	t.Run("connection check allows under quota", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/admission/connection",
			`{"project_id":"proj-1"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown project is denied 403 with retry hint", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/admission/connection",
			`{"project_id":"ghost"}`)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		var resp decisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Allowed)
		assert.Equal(t, "PROJECT_NOT_ACTIVE", resp.Reason)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	})

	t.Run("missing project_id is 400", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/admission/connection", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("garbage body is 400", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/admission/connection", `not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("responses echo the correlation id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/admission/connection",
			strings.NewReader(`{"project_id":"proj-1"}`))
		req.Header.Set(correlation.Header, "corr-test-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "corr-test-1", rec.Header().Get(correlation.Header))
	})

	t.Run("generates a correlation id when absent", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/admission/connection",
			`{"project_id":"proj-1"}`)
		assert.NotEmpty(t, rec.Header().Get(correlation.Header))
	})
}

func TestConnectionRegistration(t *testing.T) {
	srv, h, authority := newTestServer(t)
	authority.set("proj-1", activeSnapshotJSON(2))

	t.Run("register admits up to the quota then 429s", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/projects/proj-1/connections", "")
		assert.Equal(t, http.StatusCreated, rec.Code)

		rec = doJSON(t, h, http.MethodPost, "/v1/projects/proj-1/connections", "")
		assert.Equal(t, http.StatusCreated, rec.Code)

		var resp decisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.OpenConnections)
		assert.Equal(t, int64(2), *resp.OpenConnections)

		rec = doJSON(t, h, http.MethodPost, "/v1/projects/proj-1/connections", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	})

	t.Run("unregister frees a slot", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/v1/projects/proj-1/connections", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, h, http.MethodPost, "/v1/projects/proj-1/connections", "")
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("connection count is reported", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/projects/proj-1/connections", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			ProjectID   string `json:"project_id"`
			Connections int64  `json:"connections"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "proj-1", resp.ProjectID)
		assert.Equal(t, int64(2), resp.Connections)
	})

	t.Run("open connections gauge tracks registrations", func(t *testing.T) {
		assert.Equal(t, int64(2), srv.openConns.Load())
	})
}

func TestCacheEndpoints(t *testing.T) {
	_, h, authority := newTestServer(t)
	authority.set("proj-1", activeSnapshotJSON(10))

	// Warm the cache.
	rec := doJSON(t, h, http.MethodGet, "/v1/projects/proj-1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("stats reflect cache traffic", func(t *testing.T) {
		doJSON(t, h, http.MethodGet, "/v1/projects/proj-1/snapshot", "")

		rec := doJSON(t, h, http.MethodGet, "/v1/cache/stats", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var stats struct {
			Size   int   `json:"size"`
			Hits   int64 `json:"hits"`
			Misses int64 `json:"misses"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 1, stats.Size)
		assert.GreaterOrEqual(t, stats.Hits, int64(1))
		assert.GreaterOrEqual(t, stats.Misses, int64(1))
	})

	t.Run("invalidate removes one entry", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/v1/cache/proj-1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"removed":true}`, rec.Body.String())

		rec = doJSON(t, h, http.MethodDelete, "/v1/cache/proj-1", "")
		assert.JSONEq(t, `{"removed":false}`, rec.Body.String())
	})

	t.Run("clear empties the cache", func(t *testing.T) {
		doJSON(t, h, http.MethodGet, "/v1/projects/proj-1/snapshot", "")

		rec := doJSON(t, h, http.MethodDelete, "/v1/cache", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	})

	t.Run("snapshot absent after authority failure", func(t *testing.T) {
		authority.mu.Lock()
		authority.status = http.StatusServiceUnavailable
		authority.mu.Unlock()

		rec := doJSON(t, h, http.MethodGet, "/v1/projects/proj-1/snapshot", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServerReload(t *testing.T) {
	srv, _, _ := newTestServer(t)

	newCfg := config.Defaults()
	newCfg.Authority.URL = srv.cfg.Authority.URL
	newCfg.Snapshot.CacheTTL = "90s"
	newCfg.Admission.RetryAfter = "15s"

	require.NoError(t, srv.Reload(newCfg))
	assert.Equal(t, 90*time.Second, srv.snapshots.TTL())
	assert.Equal(t, 15*time.Second, srv.validator.RetryAfter())
}
