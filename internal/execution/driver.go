// Package execution implements the Execution Driver: the retry-with-failover
// loop that turns a selected candidate into an upstream call, classifies the
// result, and either returns a response or fails over to the next candidate.
package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/modelrouter/internal/candidate"
	"github.com/blueberrycongee/modelrouter/internal/clock"
	"github.com/blueberrycongee/modelrouter/internal/metrics"
	"github.com/blueberrycongee/modelrouter/internal/ratelimit"
	"github.com/blueberrycongee/modelrouter/internal/selection"
	"github.com/blueberrycongee/modelrouter/internal/upstream"
	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
	"github.com/blueberrycongee/modelrouter/pkg/types"
)

// RetryPolicy bounds the Driver's failover loop.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the router's default backoff bounds: up to
// three retries, doubling from a one-second initial backoff and capped at
// thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffMultiplier: 2}
}

// Metadata is the router-level with-metadata variant returned alongside a
// response: {provider, model-id, latency-ms, retry-count}, plus a
// supplemented per-request tracing id threaded through the driver's logs.
type Metadata struct {
	RequestID  string
	Provider   string
	ModelID    string
	LatencyMS  int64
	RetryCount int
}

// StreamUsageHook lets a caller reconcile the estimated token count recorded
// at stream start against the actual usage reported by the upstream. It is
// called once, when the caller's Next reads the first chunk carrying a usage
// block; the driver itself records no correction. With no hook registered,
// the driver keeps the pre-call estimate as the recorded usage.
type StreamUsageHook func(ctx context.Context, meta Metadata, estimated, actual int64)

// Driver orchestrates select -> invoke -> classify -> failover/retry for one
// caller request.
type Driver struct {
	selector         *selection.Selector
	tracker          *ratelimit.Tracker
	upstream         upstream.Client
	clock            clock.Clock
	logger           *slog.Logger
	retry            RetryPolicy
	perCallTimeout   time.Duration
	throwOnExhausted bool
	estimator        Estimator
	streamUsageHook  StreamUsageHook
	metrics          *metrics.Metrics

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	burstRPS  float64
	burstSize int
}

// Option configures a Driver at construction.
type Option func(*Driver)

func WithLogger(logger *slog.Logger) Option { return func(d *Driver) { d.logger = logger } }
func WithClock(c clock.Clock) Option        { return func(d *Driver) { d.clock = c } }
func WithRetryPolicy(p RetryPolicy) Option  { return func(d *Driver) { d.retry = p } }
func WithPerCallTimeout(t time.Duration) Option {
	return func(d *Driver) { d.perCallTimeout = t }
}
func WithThrowOnExhausted(v bool) Option { return func(d *Driver) { d.throwOnExhausted = v } }
func WithEstimator(e Estimator) Option   { return func(d *Driver) { d.estimator = e } }
func WithStreamUsageHook(hook StreamUsageHook) Option {
	return func(d *Driver) { d.streamUsageHook = hook }
}

// WithMetrics installs the router's Prometheus surface. Nil (the default) is
// a no-op; every Metrics method tolerates a nil receiver.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Driver) { d.metrics = m } }

// WithProviderBurstLimit installs a per-provider token-bucket gate, checked
// immediately before each upstream call and independent of the Tracker's
// window counters. It exists to protect a freshly-uncooled provider from a
// thundering herd of retries across concurrent requests, not to enforce the
// provider's own published rate limit (the Tracker already does that).
func WithProviderBurstLimit(requestsPerSecond float64, burst int) Option {
	return func(d *Driver) {
		d.burstRPS = requestsPerSecond
		d.burstSize = burst
	}
}

// New builds a Driver.
func New(selector *selection.Selector, tracker *ratelimit.Tracker, client upstream.Client, opts ...Option) *Driver {
	d := &Driver{
		selector:         selector,
		tracker:          tracker,
		upstream:         client,
		clock:            clock.Real(),
		logger:           slog.Default(),
		retry:            DefaultRetryPolicy(),
		perCallTimeout:   60 * time.Second,
		throwOnExhausted: true,
		estimator:        DefaultEstimator,
		limiters:         make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) limiterFor(providerName string) *rate.Limiter {
	if d.burstRPS <= 0 {
		return nil
	}
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[providerName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.burstRPS), d.burstSize)
		d.limiters[providerName] = l
	}
	return l
}

type attempt struct {
	provider string
	model    string
	resetAt  *time.Time
}

// ChatCompletion runs the full failover loop for a non-streaming request.
func (d *Driver) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, Metadata, error) {
	requestID := uuid.NewString()
	sel := candidate.NewContext()
	var attempted []attempt
	var lastErr error
	retries := 0

	for retries <= d.retry.MaxRetries {
		chosen, err := d.selector.Select(ctx, req.Model, sel)
		if err != nil {
			if len(sel.Excluded) == 0 {
				return nil, Metadata{RequestID: requestID}, &llmerrors.ModelNotFound{Model: req.Model}
			}
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		estimate := d.estimator(req)
		ok, err := d.tracker.CanMakeRequest(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, chosen.Record.Limits, estimate)
		if err != nil {
			return nil, Metadata{RequestID: requestID}, err
		}
		if !ok {
			d.logger.Debug("pre-flight prune", "request_id", requestID, "provider", chosen.Provider.Name, "model", chosen.Record.CanonicalID)
			d.metrics.RecordPreflightPrune(chosen.Provider.Name, chosen.Record.CanonicalID)
			sel = sel.Exclude(chosen.Provider.Name)
			continue
		}

		if limiter := d.limiterFor(chosen.Provider.Name); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, Metadata{RequestID: requestID}, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.perCallTimeout)
		start := d.clock.Now()
		resp, callErr := d.upstream.ChatCompletion(callCtx, chosen.Provider, chosen.Record.ProviderID, req)
		cancel()

		if callErr == nil {
			latency := d.clock.Now().Sub(start)
			tokensUsed := estimate
			if resp.Usage != nil {
				tokensUsed = int64(resp.Usage.TotalTokens)
			}
			if err := d.tracker.RecordUsage(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, 1, tokensUsed); err != nil {
				d.logger.Debug("record-usage failed", "request_id", requestID, "error", err)
			}
			if err := d.tracker.UpdateLatency(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, float64(latency.Milliseconds())); err != nil {
				d.logger.Debug("update-latency failed", "request_id", requestID, "error", err)
			}
			d.metrics.RecordRouted(chosen.Provider.Name, chosen.Record.CanonicalID, latency.Seconds())
			return resp, Metadata{
				RequestID:  requestID,
				Provider:   chosen.Provider.Name,
				ModelID:    chosen.Record.CanonicalID,
				LatencyMS:  latency.Milliseconds(),
				RetryCount: retries,
			}, nil
		}

		lastErr = callErr
		var rl *llmerrors.RateLimited
		if errors.As(callErr, &rl) {
			if err := d.tracker.MarkRateLimited(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, rl.ResetAt); err != nil {
				d.logger.Debug("mark-rate-limited failed", "request_id", requestID, "error", err)
			}
			resetAt, _ := d.tracker.GetCooldownUntil(ctx, chosen.Provider.Name, chosen.Record.CanonicalID)
			attempted = append(attempted, attempt{provider: chosen.Provider.Name, model: chosen.Record.CanonicalID, resetAt: resetAt})
			d.logger.Debug("failing over after rate limit", "request_id", requestID, "provider", chosen.Provider.Name, "reset_at", resetAt)
			d.metrics.RecordCooldownEntered(chosen.Provider.Name, chosen.Record.CanonicalID)
			d.metrics.RecordFailover(chosen.Provider.Name, chosen.Record.CanonicalID, "rate-limited")
			sel = sel.Exclude(chosen.Provider.Name)
			retries++
			continue
		}

		attempted = append(attempted, attempt{provider: chosen.Provider.Name, model: chosen.Record.CanonicalID})
		d.logger.Debug("failing over after provider error", "request_id", requestID, "provider", chosen.Provider.Name, "error", callErr)
		d.metrics.RecordFailover(chosen.Provider.Name, chosen.Record.CanonicalID, "provider-error")
		sel = sel.Exclude(chosen.Provider.Name)
		retries++

		backoff := d.backoffFor(retries)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Metadata{RequestID: requestID}, ctx.Err()
		case <-timer.C:
		}
	}

	d.metrics.RecordExhausted(req.Model)
	return nil, Metadata{RequestID: requestID}, d.exhausted(attempted, lastErr)
}

// ChatCompletionStream runs the same selection/pre-flight/failover protocol
// but hands the caller the raw stream on the first successful dial. Usage
// accounting for streaming uses the estimate taken at stream start; the
// driver's responsibility ends at hand-off, unless a StreamUsageHook is
// registered to reconcile the estimate once the stream drains.
func (d *Driver) ChatCompletionStream(ctx context.Context, req *types.ChatRequest) (upstream.StreamHandler, Metadata, error) {
	requestID := uuid.NewString()
	sel := candidate.NewContext()
	var attempted []attempt
	var lastErr error
	retries := 0

	for retries <= d.retry.MaxRetries {
		chosen, err := d.selector.Select(ctx, req.Model, sel)
		if err != nil {
			if len(sel.Excluded) == 0 {
				return nil, Metadata{RequestID: requestID}, &llmerrors.ModelNotFound{Model: req.Model}
			}
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		estimate := d.estimator(req)
		ok, err := d.tracker.CanMakeRequest(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, chosen.Record.Limits, estimate)
		if err != nil {
			return nil, Metadata{RequestID: requestID}, err
		}
		if !ok {
			d.logger.Debug("pre-flight prune", "request_id", requestID, "provider", chosen.Provider.Name, "model", chosen.Record.CanonicalID)
			d.metrics.RecordPreflightPrune(chosen.Provider.Name, chosen.Record.CanonicalID)
			sel = sel.Exclude(chosen.Provider.Name)
			continue
		}

		if limiter := d.limiterFor(chosen.Provider.Name); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, Metadata{RequestID: requestID}, err
			}
		}

		stream, callErr := d.upstream.ChatCompletionStream(ctx, chosen.Provider, chosen.Record.ProviderID, req)
		if callErr == nil {
			if err := d.tracker.RecordUsage(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, 1, estimate); err != nil {
				d.logger.Debug("record-usage failed", "request_id", requestID, "error", err)
			}
			meta := Metadata{RequestID: requestID, Provider: chosen.Provider.Name, ModelID: chosen.Record.CanonicalID, RetryCount: retries}
			d.metrics.RecordRouted(chosen.Provider.Name, chosen.Record.CanonicalID, 0)
			if d.streamUsageHook != nil {
				return &reconcilingStream{StreamHandler: stream, hook: func(actual int64) { d.streamUsageHook(ctx, meta, estimate, actual) }}, meta, nil
			}
			return stream, meta, nil
		}

		lastErr = callErr
		var rl *llmerrors.RateLimited
		if errors.As(callErr, &rl) {
			if err := d.tracker.MarkRateLimited(ctx, chosen.Provider.Name, chosen.Record.CanonicalID, rl.ResetAt); err != nil {
				d.logger.Debug("mark-rate-limited failed", "request_id", requestID, "error", err)
			}
			resetAt, _ := d.tracker.GetCooldownUntil(ctx, chosen.Provider.Name, chosen.Record.CanonicalID)
			attempted = append(attempted, attempt{provider: chosen.Provider.Name, model: chosen.Record.CanonicalID, resetAt: resetAt})
			d.logger.Debug("failing over after rate limit", "request_id", requestID, "provider", chosen.Provider.Name, "reset_at", resetAt)
			d.metrics.RecordCooldownEntered(chosen.Provider.Name, chosen.Record.CanonicalID)
			d.metrics.RecordFailover(chosen.Provider.Name, chosen.Record.CanonicalID, "rate-limited")
			sel = sel.Exclude(chosen.Provider.Name)
			retries++
			continue
		}

		attempted = append(attempted, attempt{provider: chosen.Provider.Name, model: chosen.Record.CanonicalID})
		d.logger.Debug("failing over after provider error", "request_id", requestID, "provider", chosen.Provider.Name, "error", callErr)
		d.metrics.RecordFailover(chosen.Provider.Name, chosen.Record.CanonicalID, "provider-error")
		sel = sel.Exclude(chosen.Provider.Name)
		retries++

		backoff := d.backoffFor(retries)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Metadata{RequestID: requestID}, ctx.Err()
		case <-timer.C:
		}
	}

	d.metrics.RecordExhausted(req.Model)
	return nil, Metadata{RequestID: requestID}, d.exhausted(attempted, lastErr)
}

func (d *Driver) backoffFor(retries int) time.Duration {
	backoff := float64(d.retry.InitialBackoff) * pow(d.retry.BackoffMultiplier, retries-1)
	if backoff > float64(d.retry.MaxBackoff) {
		return d.retry.MaxBackoff
	}
	return time.Duration(backoff)
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (d *Driver) exhausted(attempted []attempt, lastErr error) error {
	if !d.throwOnExhausted {
		return lastErr
	}

	names := make([]string, 0, len(attempted))
	seen := make(map[string]struct{}, len(attempted))
	var earliest *time.Time
	for _, a := range attempted {
		if _, ok := seen[a.provider]; !ok {
			seen[a.provider] = struct{}{}
			names = append(names, a.provider)
		}
		if a.resetAt != nil && (earliest == nil || a.resetAt.Before(*earliest)) {
			earliest = a.resetAt
		}
	}
	if earliest != nil {
		d.logger.Warn("all providers exhausted", "attempted", names, "earliest_reset", *earliest)
	} else {
		d.logger.Warn("all providers exhausted", "attempted", names)
	}
	return &llmerrors.AllProvidersExhausted{Attempted: names, EarliestReset: earliest}
}

// reconcilingStream wraps a StreamHandler to invoke the configured
// StreamUsageHook with the actual usage total once the upstream sends its
// final chunk (if it supplies a usage block at all).
type reconcilingStream struct {
	upstream.StreamHandler
	hook     func(actual int64)
	notified bool
}

func (s *reconcilingStream) Next() (*types.StreamChunk, error) {
	chunk, err := s.StreamHandler.Next()
	if chunk != nil && chunk.Usage != nil && !s.notified {
		s.notified = true
		s.hook(int64(chunk.Usage.TotalTokens))
	}
	return chunk, err
}
