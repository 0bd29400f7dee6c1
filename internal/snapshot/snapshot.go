// Package snapshot implements the per-project authorization snapshot fast
// path: a bounded-time fetcher against the authoritative control plane, an
// in-memory TTL cache, and a client combining the two with fail-closed
// semantics. Absence of authoritative data is never treated as permission.
package snapshot

import "encoding/json"

// ProjectStatus is the lifecycle state of a project as reported by the
// authority. Unrecognized values are preserved verbatim and treated as
// not active.
type ProjectStatus string

const (
	StatusActive    ProjectStatus = "ACTIVE"
	StatusSuspended ProjectStatus = "SUSPENDED"
	StatusArchived  ProjectStatus = "ARCHIVED"
	StatusDeleted   ProjectStatus = "DELETED"
)

// Service names known to the edge gateways.
const (
	ServiceRealtime = "realtime"
	ServiceGraphQL  = "graphql"
)

// QuotaRealtimeConnections is the quota name bounding concurrent realtime
// connections per project.
const QuotaRealtimeConnections = "realtime_connections"

// ProjectInfo identifies a project and its lifecycle state.
type ProjectInfo struct {
	ID          string        `json:"id"`
	Status      ProjectStatus `json:"status"`
	Environment string        `json:"environment"`
}

// ServiceState holds per-service enablement flags.
type ServiceState struct {
	Enabled bool `json:"enabled"`
}

// ProjectSnapshot is a point-in-time copy of one project's authorization
// state as returned by the authority. Snapshots are immutable after fetch;
// a refetch produces a new, fully-replacing value.
type ProjectSnapshot struct {
	Project  ProjectInfo             `json:"project"`
	Services map[string]ServiceState `json:"services"`
	Quotas   map[string]int64        `json:"quotas"`
	// Limits is the project's rate-limit configuration. It is opaque to the
	// admission fast path and passed through to callers unchanged.
	Limits json.RawMessage `json:"limits,omitempty"`
	// Version is an opaque authority-assigned revision, used only for
	// change-detection logging — never for cache validity.
	Version string `json:"version"`
}

// ServiceEnabled reports whether the named service is enabled for the
// project. Absent services default to disabled.
func (s *ProjectSnapshot) ServiceEnabled(service string) bool {
	if s == nil {
		return false
	}
	return s.Services[service].Enabled
}

// Quota returns the named quota limit. The second return is false when the
// quota is not configured for the project.
func (s *ProjectSnapshot) Quota(name string) (int64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Quotas[name]
	return v, ok
}

// Active reports whether the project's lifecycle state permits traffic.
func (s *ProjectSnapshot) Active() bool {
	return s != nil && s.Project.Status == StatusActive
}
