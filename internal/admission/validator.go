// Package admission turns cached snapshot state into allow/deny decisions
// for the edge gateways. Checks run in a fixed order and short-circuit on
// the first deny: project liveness, then service enablement, then (for
// realtime connections) the concurrent-connection quota against the live
// counter. Every uncertainty resolves to deny.
package admission

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tenantgate/tenantgate/internal/correlation"
	"github.com/tenantgate/tenantgate/internal/counter"
	"github.com/tenantgate/tenantgate/internal/snapshot"
)

// DefaultRetryAfter is the advisory delay suggested with retryable denials.
const DefaultRetryAfter = 60 * time.Second

// Deny reasons. Machine-readable; edge services branch on these to pick
// retryable vs terminal handling.
const (
	ReasonProjectSuspended = "PROJECT_SUSPENDED"
	ReasonProjectArchived  = "PROJECT_ARCHIVED"
	ReasonProjectDeleted   = "PROJECT_DELETED"
	ReasonProjectNotActive = "PROJECT_NOT_ACTIVE"
	ReasonConnectionLimit  = "CONNECTION_LIMIT_EXCEEDED"
)

// DisabledReason returns the deny reason for a disabled service, e.g.
// REALTIME_DISABLED for "realtime".
func DisabledReason(service string) string {
	return strings.ToUpper(service) + "_DISABLED"
}

// Retryable reports whether a deny reason is worth retrying after a delay.
// Quota exhaustion and missing authoritative data clear up on their own;
// lifecycle denials do not.
func Retryable(reason string) bool {
	switch reason {
	case ReasonConnectionLimit, ReasonProjectNotActive:
		return true
	}
	return false
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds returns the advisory retry delay in whole seconds,
// zero when none applies.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

var allow = Decision{Allowed: true}

// Snapshots is the slice of the snapshot client the validator depends on.
type Snapshots interface {
	GetSnapshot(ctx context.Context, projectID string) *snapshot.ProjectSnapshot
}

// Validator combines snapshot state and the live connection counter into
// admission decisions.
type Validator struct {
	snapshots  Snapshots
	conns      counter.Counter
	retryAfter atomic.Int64 // nanoseconds; hot-reloadable
	logger     *slog.Logger

	// OnDecision, when non-nil, receives every decision's outcome. Wired
	// to Prometheus by the server.
	OnDecision func(d Decision)
}

// Option configures a Validator.
type Option func(*Validator)

// WithRetryAfter overrides the advisory retry delay for retryable denials.
func WithRetryAfter(d time.Duration) Option {
	return func(v *Validator) { v.retryAfter.Store(int64(d)) }
}

// WithLogger sets the validator logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates an admission validator.
func NewValidator(snapshots Snapshots, conns counter.Counter, opts ...Option) *Validator {
	v := &Validator{
		snapshots: snapshots,
		conns:     conns,
		logger:    slog.Default(),
	}
	v.retryAfter.Store(int64(DefaultRetryAfter))
	for _, o := range opts {
		o(v)
	}
	return v
}

// SetRetryAfter updates the advisory retry delay. Used by config hot-reload.
func (v *Validator) SetRetryAfter(d time.Duration) {
	v.retryAfter.Store(int64(d))
}

// RetryAfter returns the current advisory retry delay.
func (v *Validator) RetryAfter() time.Duration {
	return time.Duration(v.retryAfter.Load())
}

// ValidateOperation decides whether a single operation (e.g. a graphql
// query) against the named service may proceed: liveness, then enablement.
func (v *Validator) ValidateOperation(ctx context.Context, projectID, service string) Decision {
	snap := v.snapshots.GetSnapshot(ctx, projectID)

	if d, ok := v.checkLiveness(ctx, projectID, snap); !ok {
		return d
	}
	if d, ok := v.checkEnablement(ctx, projectID, service, snap); !ok {
		return d
	}

	return v.decided(allow)
}

// ValidateConnection decides whether a new realtime connection may be
// opened: liveness, enablement, then the concurrent-connection quota
// against the live counter. The counter is NOT incremented here — use
// RegisterConnection for check-and-count.
func (v *Validator) ValidateConnection(ctx context.Context, projectID string) Decision {
	snap := v.snapshots.GetSnapshot(ctx, projectID)

	if d, ok := v.checkLiveness(ctx, projectID, snap); !ok {
		return d
	}
	if d, ok := v.checkEnablement(ctx, projectID, snapshot.ServiceRealtime, snap); !ok {
		return d
	}
	if d, ok := v.checkConnectionQuota(ctx, projectID, snap); !ok {
		return d
	}

	return v.decided(allow)
}

// RegisterConnection validates a new realtime connection and, when allowed,
// increments the live counter. The caller must invoke UnregisterConnection
// exactly once when an admitted connection closes, on every exit path.
func (v *Validator) RegisterConnection(ctx context.Context, projectID string) Decision {
	d := v.ValidateConnection(ctx, projectID)
	if !d.Allowed {
		return d
	}
	if _, err := v.conns.Increment(ctx, projectID); err != nil {
		// Counting is part of quota enforcement; a counter we cannot
		// update is missing authoritative data.
		v.logger.Error("connection counter increment failed",
			"project_id", projectID,
			"error", err,
			correlation.Attr(ctx))
		return v.deny(ctx, projectID, ReasonProjectNotActive, true)
	}
	return d
}

// UnregisterConnection releases one admitted connection's counter slot.
func (v *Validator) UnregisterConnection(ctx context.Context, projectID string) {
	if _, err := v.conns.Decrement(ctx, projectID); err != nil {
		v.logger.Error("connection counter decrement failed",
			"project_id", projectID,
			"error", err,
			correlation.Attr(ctx))
	}
}

// checkLiveness is check 1: the project must exist and be ACTIVE. The deny
// reason reflects the last known lifecycle status; an unavailable snapshot
// denies as PROJECT_NOT_ACTIVE (fail-closed), which is retryable.
func (v *Validator) checkLiveness(ctx context.Context, projectID string, snap *snapshot.ProjectSnapshot) (Decision, bool) {
	if snap.Active() {
		return allow, true
	}

	reason := ReasonProjectNotActive
	retryable := true
	if snap != nil {
		switch snap.Project.Status {
		case snapshot.StatusSuspended:
			reason, retryable = ReasonProjectSuspended, false
		case snapshot.StatusArchived:
			reason, retryable = ReasonProjectArchived, false
		case snapshot.StatusDeleted:
			reason, retryable = ReasonProjectDeleted, false
		default:
			// Unknown status from the authority: deny, but allow retry in
			// case the authority is mid-transition.
		}
	}

	return v.deny(ctx, projectID, reason, retryable), false
}

// checkEnablement is check 2: the service flag must be enabled. An absent
// service entry means disabled.
func (v *Validator) checkEnablement(ctx context.Context, projectID, service string, snap *snapshot.ProjectSnapshot) (Decision, bool) {
	if snap.ServiceEnabled(service) {
		return allow, true
	}
	return v.deny(ctx, projectID, DisabledReason(service), false), false
}

// checkConnectionQuota is check 3 (realtime connections only): the live
// count must be below the project's realtime_connections quota. Projects
// without the quota configured are unbounded.
func (v *Validator) checkConnectionQuota(ctx context.Context, projectID string, snap *snapshot.ProjectSnapshot) (Decision, bool) {
	limit, ok := snap.Quota(snapshot.QuotaRealtimeConnections)
	if !ok {
		return allow, true
	}

	current, err := v.conns.Get(ctx, projectID)
	if err != nil {
		v.logger.Error("connection counter read failed",
			"project_id", projectID,
			"error", err,
			correlation.Attr(ctx))
		return v.deny(ctx, projectID, ReasonProjectNotActive, true), false
	}

	if current >= limit {
		d := v.deny(ctx, projectID, ReasonConnectionLimit, true)
		v.logger.Info("connection quota exhausted",
			"project_id", projectID,
			"current", current,
			"limit", limit,
			correlation.Attr(ctx))
		return d, false
	}

	return allow, true
}

// deny builds a deny decision, logs it, and reports it to OnDecision.
func (v *Validator) deny(ctx context.Context, projectID, reason string, retryable bool) Decision {
	d := Decision{Allowed: false, Reason: reason}
	if retryable {
		d.RetryAfter = v.RetryAfter()
	}

	v.logger.Info("admission denied",
		"project_id", projectID,
		"reason", reason,
		"retryable", retryable,
		correlation.Attr(ctx))

	return v.decided(d)
}

func (v *Validator) decided(d Decision) Decision {
	if v.OnDecision != nil {
		v.OnDecision(d)
	}
	return d
}
