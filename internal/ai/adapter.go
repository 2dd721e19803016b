package ai

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"golang.org/x/time/rate"

	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/telemetry"
)

// AdapterConfig bounds invocations.
type AdapterConfig struct {
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
}

// Adapter wraps a Capability with a call timeout, per-organization rate
// limiting and error classification into *errors.AdapterError.
//
// Rate limiters live in a process-wide map, so every service instance
// enforces its own budget.
type Adapter struct {
	backend Capability
	cfg     AdapterConfig
	metrics *telemetry.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAdapter creates an Adapter over backend. metrics may be nil.
func NewAdapter(backend Capability, cfg AdapterConfig, metrics *telemetry.Metrics) *Adapter {
	if backend == nil {
		backend = Unavailable{}
	}
	return &Adapter{
		backend:  backend,
		cfg:      cfg,
		metrics:  metrics,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Available reports whether the backend can serve invocations.
func (a *Adapter) Available() bool {
	return a.backend.Available()
}

// Invoke calls the backend. Every returned error is an *errors.AdapterError.
func (a *Adapter) Invoke(ctx context.Context, req Request) (Response, error) {
	if !a.backend.Available() {
		return Response{}, errors.NewAdapterError(errors.AdapterUnavailable, nil)
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	if limiter := a.limiter(req.OrganizationID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return Response{}, errors.NewAdapterError(errors.AdapterQuota,
				fmt.Errorf("rate limit for organization %s: %w", req.OrganizationID, err))
		}
	}

	start := time.Now()
	resp, err := a.backend.Invoke(ctx, req)
	if err != nil {
		aErr := classify(ctx, err)
		a.metrics.AIInvocation(ctx, req.Params.Model, time.Since(start), string(aErr.Kind))
		return Response{}, aErr
	}
	a.metrics.AIInvocation(ctx, req.Params.Model, time.Since(start), "")

	if req.Params.JSON && resp.JSON == nil {
		resp.JSON = asJSON(resp.Text)
	}
	return resp, nil
}

func (a *Adapter) limiter(orgID string) *rate.Limiter {
	if a.cfg.RatePerMinute <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[orgID]
	if !ok {
		burst := a.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.cfg.RatePerMinute)), burst)
		a.limiters[orgID] = l
	}
	return l
}

// StatusError is returned by HTTP backends for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

func classify(ctx context.Context, err error) *errors.AdapterError {
	var aErr *errors.AdapterError
	if errors.As(err, &aErr) {
		return aErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewAdapterError(errors.AdapterTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewAdapterError(errors.AdapterTimeout, err)
	}

	status := 0
	var apiErr *openai.Error
	var statusErr *StatusError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	case errors.As(err, &statusErr):
		status = statusErr.StatusCode
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewAdapterError(errors.AdapterAuth, err)
	case status == http.StatusTooManyRequests:
		return errors.NewAdapterError(errors.AdapterQuota, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.NewAdapterError(errors.AdapterTimeout, err)
	case strings.Contains(err.Error(), "connection refused"):
		return errors.NewAdapterError(errors.AdapterUnavailable, err)
	default:
		return errors.NewAdapterError(errors.AdapterUpstream, err)
	}
}

// stripFence removes a surrounding ```json fence from model output.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
