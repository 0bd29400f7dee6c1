package observability

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// Pinger is implemented by any dependency that can check connectivity
// (the Redis counter backend, the project authority).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker provides startup, liveness, and readiness check endpoints.
type HealthChecker struct {
	started int32 // atomic: 0 = not started, 1 = started
	ready   int32 // atomic: 0 = not ready, 1 = ready

	mu      sync.RWMutex
	pingers map[string]Pinger // named dependencies for deep checks
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{pingers: make(map[string]Pinger)}
}

// SetStarted marks the service as having completed startup.
// Kubernetes uses this via the startup probe to know when to begin
// sending liveness and readiness probes.
func (h *HealthChecker) SetStarted() {
	atomic.StoreInt32(&h.started, 1)
}

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool {
	return atomic.LoadInt32(&h.started) == 1
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetPinger registers a named dependency for deep readiness checks.
// Pass nil to clear it (e.g. when the backing client changes).
func (h *HealthChecker) SetPinger(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.pingers, name)
		return
	}
	h.pingers[name] = p
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
// Kubernetes startup probes use this to gate liveness/readiness checks.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise.
// When the query parameter `deep=true` is present, every registered
// dependency is actively pinged and any failure turns the response into 503.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") == "true" {
			h.deepCheck(w, r)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}

// deepCheck pings every registered dependency and reports per-dependency
// status. Dependency names are sorted so the response is stable.
func (h *HealthChecker) deepCheck(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	names := make([]string, 0, len(h.pingers))
	pingers := make(map[string]Pinger, len(h.pingers))
	for name, p := range h.pingers {
		names = append(names, name)
		pingers[name] = p
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	var b strings.Builder
	for _, name := range names {
		state := "ok"
		if err := pingers[name].Ping(ctx); err != nil {
			state = "unreachable"
			healthy = false
		}
		fmt.Fprintf(&b, `,%q:%q`, name, state)
	}

	status := "ready"
	code := http.StatusOK
	if !healthy {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q%s}`, status, b.String())
}
