package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
)

// maxResponseBody bounds how much of a backend response is kept
const maxResponseBody = 1 << 20

// ErrBackendUnreachable is wrapped by errors caused by the network rather
// than by the backend's answer
var ErrBackendUnreachable = errors.New("backend unreachable")

// DispatchOutcome classifies a delivery attempt
type DispatchOutcome int

const (
	DispatchSuccess DispatchOutcome = iota
	DispatchRetryable
	DispatchConflict
)

func (o DispatchOutcome) String() string {
	switch o {
	case DispatchSuccess:
		return "success"
	case DispatchRetryable:
		return "retryable"
	case DispatchConflict:
		return "conflict"
	}
	return "unknown"
}

// DispatchResult is the classified answer to one operation
type DispatchResult struct {
	Outcome    DispatchOutcome
	StatusCode int
	Body       json.RawMessage
	Err        error
	// Transport is set when the request never got an answer because the
	// network failed. Timeouts are not transport failures.
	Transport bool
	// NotAttempted is set when nothing was sent, e.g. the caller gave up
	// while waiting for the rate limiter.
	NotAttempted bool
}

// Message describes the result for an operation's errorMessage
func (r DispatchResult) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if len(r.Body) > 0 {
		return fmt.Sprintf("backend returned %d: %s", r.StatusCode, truncate(string(r.Body), 512))
	}
	return fmt.Sprintf("backend returned %d", r.StatusCode)
}

// BackendClient talks to the remote REST API
type BackendClient struct {
	http    *http.Client
	store   *config.Store
	limiter *rate.Limiter
}

// NewBackendClient creates a client reading its settings from store. Rate
// limits follow configuration updates.
func NewBackendClient(store *config.Store, httpClient *http.Client) *BackendClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	cfg := store.Get().Sync
	c := &BackendClient{
		http:    httpClient,
		store:   store,
		limiter: rate.NewLimiter(limitFor(cfg.RequestsPerSecond), cfg.Burst),
	}

	store.OnChange(func(old, updated config.Config) {
		if old.Sync.RequestsPerSecond != updated.Sync.RequestsPerSecond {
			c.limiter.SetLimit(limitFor(updated.Sync.RequestsPerSecond))
		}
		if old.Sync.Burst != updated.Sync.Burst {
			c.limiter.SetBurst(updated.Sync.Burst)
		}
	})

	return c
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Dispatch delivers one outbox operation and classifies the answer
func (c *BackendClient) Dispatch(ctx context.Context, op *models.SyncOperation) DispatchResult {
	cfg := c.store.Get()

	method, path := route(op)
	var body io.Reader
	if op.OperationType != models.OperationDelete {
		body = bytes.NewReader(op.Payload)
	}

	// The dispatch timeout covers the request only, not the wait for a token
	if err := c.limiter.Wait(ctx); err != nil {
		return DispatchResult{Outcome: DispatchRetryable, Err: fmt.Errorf("rate limit: %w", err), NotAttempted: true}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint(cfg.BackendURL, path), body)
	if err != nil {
		return DispatchResult{Outcome: DispatchConflict, Err: fmt.Errorf("build request: %w", err)}
	}
	c.setHeaders(req, cfg.APIKey)
	req.Header.Set("Idempotency-Key", op.ID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return DispatchResult{Outcome: DispatchRetryable, Err: err, Transport: errors.Is(err, ErrBackendUnreachable)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return DispatchResult{
		Outcome:    classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       raw,
	}
}

// FetchSnapshot pulls a reference collection, incrementally when since is set
func (c *BackendClient) FetchSnapshot(ctx context.Context, kind models.ReferenceKind, since *time.Time) (*models.Snapshot, error) {
	cfg := c.store.Get()

	target := endpoint(cfg.BackendURL, "/api/"+string(kind))
	if since != nil {
		target += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch %s: rate limit: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, cfg.APIKey)

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", kind, resp.StatusCode)
	}

	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode %s snapshot: %w", kind, err)
	}
	return &snap, nil
}

// Probe checks that the backend answers its health endpoint
func (c *BackendClient) Probe(ctx context.Context) error {
	cfg := c.store.Get()

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(cfg.BackendURL, "/health"), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *BackendClient) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

// do sends req; callers take a limiter token first. Network failures are
// wrapped with ErrBackendUnreachable; deadline and cancellation errors are not.
func (c *BackendClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := observability.StartHTTPClientSpan(ctx, req)
	defer span.End()

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		observability.RecordError(span, err)
		if ctx.Err() != nil || isTimeout(err) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	if resp.StatusCode >= 500 {
		observability.RecordError(span, fmt.Errorf("status %d", resp.StatusCode))
	} else {
		observability.SetSuccess(span)
	}
	return resp, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyStatus maps an HTTP status to a dispatch outcome. Authentication,
// throttling and server errors are transient; any other client error is the
// backend rejecting the change.
func classifyStatus(code int) DispatchOutcome {
	switch {
	case code >= 200 && code < 300:
		return DispatchSuccess
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return DispatchRetryable
	case code >= 400:
		return DispatchConflict
	}
	// 1xx and 3xx are not expected from the API
	return DispatchRetryable
}

func route(op *models.SyncOperation) (string, string) {
	collection := "/api/" + op.EntityType.Resource()
	item := collection + "/" + url.PathEscape(op.EntityID)

	switch op.OperationType {
	case models.OperationCreate:
		return http.MethodPost, collection
	case models.OperationUpdate:
		return http.MethodPut, item
	case models.OperationDelete:
		return http.MethodDelete, item
	default:
		return http.MethodPost, item + "/sync"
	}
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
