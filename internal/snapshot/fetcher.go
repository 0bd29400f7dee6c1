package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxResponseBodyBytes limits the size of snapshot bodies read from the
// authority to prevent unbounded memory consumption.
const maxResponseBodyBytes = 256 * 1024 // 256 KiB

// ErrorKind classifies a failed snapshot fetch.
type ErrorKind string

const (
	// ErrUnavailable means the authority answered 503 or was unreachable.
	ErrUnavailable ErrorKind = "unavailable"
	// ErrNotFound means the authority has no snapshot for the project.
	ErrNotFound ErrorKind = "not_found"
	// ErrTimeout means the request exceeded the fixed fetch timeout.
	ErrTimeout ErrorKind = "timeout"
	// ErrMalformed means the authority answered 200 without a usable
	// snapshot body.
	ErrMalformed ErrorKind = "malformed"
	// ErrUnknown covers every other non-success status code.
	ErrUnknown ErrorKind = "unknown"
)

// FetchError is the typed failure returned by Fetcher.Fetch. It never
// escapes Client.GetSnapshot — the client converts it to absence.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int // non-zero only for status-code classified failures
	err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("snapshot fetch %s (status %d)", e.Kind, e.StatusCode)
	}
	if e.err != nil {
		return fmt.Sprintf("snapshot fetch %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("snapshot fetch %s", e.Kind)
}

func (e *FetchError) Unwrap() error { return e.err }

// KindOf returns the ErrorKind of err when it is a FetchError, or ErrUnknown.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrUnknown
}

// snapshotEnvelope is the authority's response body shape.
type snapshotEnvelope struct {
	Snapshot *ProjectSnapshot `json:"snapshot"`
}

// Fetcher performs bounded-time snapshot requests against the authority.
// It issues exactly one network call per Fetch — retry and backoff, if any,
// belong to the caller.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	// OnResult, when non-nil, receives the outcome label and duration of
	// every fetch. Wired to Prometheus by the server.
	OnResult func(outcome string, d time.Duration)
}

// NewFetcher creates a snapshot fetcher for the configured authority.
func NewFetcher(cfg config.AuthorityConfig, logger *slog.Logger) (*Fetcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("authority url is required")
	}

	timeout := config.MustParseDuration(cfg.Timeout, 5*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 100
	}

	// Tuned connection pool: the authority is a single host hit on every
	// cache miss across all projects.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Fetcher{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		timeout:    timeout,
		logger:     logger,
		tracer:     otel.Tracer("tenantgate/snapshot"),
	}, nil
}

// Fetch retrieves the current snapshot for one project. The correlation id
// in ctx, when present, is propagated to the authority and included in the
// single log line emitted per outcome.
func (f *Fetcher) Fetch(ctx context.Context, projectID string) (*ProjectSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ctx, span := f.tracer.Start(ctx, "snapshot.Fetch",
		trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()

	start := time.Now()
	snap, err := f.fetch(ctx, projectID)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		span.SetStatus(codes.Error, outcome)
		f.logger.Warn("snapshot fetch failed",
			"project_id", projectID,
			"outcome", outcome,
			"elapsed", elapsed,
			"error", err,
			correlation.Attr(ctx))
	} else {
		f.logger.Debug("snapshot fetched",
			"project_id", projectID,
			"version", snap.Version,
			"elapsed", elapsed,
			correlation.Attr(ctx))
	}
	span.SetAttributes(attribute.String("fetch.outcome", outcome))

	if f.OnResult != nil {
		f.OnResult(outcome, elapsed)
	}

	return snap, err
}

// Ping checks that the authority is reachable. Any HTTP response counts as
// reachable; only transport failures are reported. Used by deep readiness
// checks.
func (f *Fetcher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, projectID string) (*ProjectSnapshot, error) {
	reqURL := f.baseURL + "/" + url.PathEscape(projectID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: ErrUnknown, err: err}
	}
	req.Header.Set("Accept", "application/json")
	if id := correlation.FromContext(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Classified below.
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{Kind: ErrNotFound, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &FetchError{Kind: ErrUnavailable, StatusCode: resp.StatusCode}
	default:
		return nil, &FetchError{Kind: ErrUnknown, StatusCode: resp.StatusCode}
	}

	var envelope snapshotEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&envelope); err != nil {
		return nil, &FetchError{Kind: ErrMalformed, err: err}
	}
	if envelope.Snapshot == nil {
		return nil, &FetchError{Kind: ErrMalformed, err: errors.New("response missing snapshot field")}
	}

	return envelope.Snapshot, nil
}

// classifyTransportError maps transport-level failures: deadline and
// net-timeout errors become ErrTimeout, everything else (refused, reset,
// DNS) becomes ErrUnavailable.
func classifyTransportError(err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: ErrTimeout, err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{Kind: ErrTimeout, err: err}
	}
	return &FetchError{Kind: ErrUnavailable, err: err}
}
