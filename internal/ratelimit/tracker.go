// Package ratelimit implements the Rate-Limit Tracker: usage recording,
// quota snapshots, admission checks, and cooldown management on top of the
// abstract statestore.Store and the tumbling-window arithmetic in
// internal/timewindow.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/modelrouter/internal/catalog"
	"github.com/blueberrycongee/modelrouter/internal/clock"
	"github.com/blueberrycongee/modelrouter/internal/statestore"
	"github.com/blueberrycongee/modelrouter/internal/timewindow"
)

// DefaultCooldown is used by mark-rate-limited when no explicit reset time
// is available.
const DefaultCooldown = 60 * time.Second

// QuotaStatus is a snapshot of remaining requests/tokens and reset times per
// window, plus an optional cooldown expiry.
type QuotaStatus struct {
	RequestsRemaining map[timewindow.Kind]*int64
	TokensRemaining   map[timewindow.Kind]*int64
	ResetTime         map[timewindow.Kind]time.Time
	CooldownUntil     *time.Time
}

// Tracker is the Rate-Limit Tracker. It holds no local mirror of usage or
// cooldown state; the store is the sole authority.
type Tracker struct {
	store           statestore.Store
	clock           clock.Clock
	logger          *slog.Logger
	defaultCooldown time.Duration
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithClock overrides the clock used for window alignment and cooldown
// math. Tests use this to advance time deterministically instead of
// sleeping.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger overrides the tracker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithDefaultCooldown overrides the cooldown duration used by
// MarkRateLimited when the upstream did not supply a reset time.
func WithDefaultCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.defaultCooldown = d }
}

// New creates a Tracker backed by store.
func New(store statestore.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:           store,
		clock:           clock.Real(),
		logger:          slog.Default(),
		defaultCooldown: DefaultCooldown,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordUsage computes the current window-start for minute/hour/day and
// issues three increment-usage calls in parallel, each with the matching
// TTL. Non-fatal if one write fails; the remaining writes proceed and the
// first error encountered is returned to the caller for logging.
func (t *Tracker) RecordUsage(ctx context.Context, provider, model string, requests, tokens int64) error {
	now := t.clock.Now()

	var wg sync.WaitGroup
	errs := make([]error, len(timewindow.All))

	for i, kind := range timewindow.All {
		wg.Add(1)
		go func(i int, kind timewindow.Kind) {
			defer wg.Done()
			key := timewindow.UsageKey(provider, model, kind)
			windowStart := timewindow.Start(kind, now)
			ttl := kind.Length()
			if _, err := t.store.IncrementUsage(ctx, key, requests, tokens, windowStart, ttl); err != nil {
				errs[i] = err
				t.logger.Debug("increment-usage failed", "provider", provider, "model", model, "window", kind, "error", err)
			}
		}(i, kind)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetQuotaStatus reads usage for each window at its current aligned
// window-start, computing remaining = max(0, limit - used) only for metrics
// with a configured limit. It also reads cooldown and fills CooldownUntil.
func (t *Tracker) GetQuotaStatus(ctx context.Context, provider, model string, limits catalog.RateLimits) (QuotaStatus, error) {
	now := t.clock.Now()
	status := QuotaStatus{
		RequestsRemaining: make(map[timewindow.Kind]*int64, 3),
		TokensRemaining:   make(map[timewindow.Kind]*int64, 3),
		ResetTime:         make(map[timewindow.Kind]time.Time, 3),
	}

	for _, kind := range timewindow.All {
		windowStart := timewindow.Start(kind, now)
		key := timewindow.UsageKey(provider, model, kind)

		var used statestore.UsageRecord
		record, err := t.store.GetUsage(ctx, key)
		switch {
		case err == statestore.ErrNotFound:
			used = statestore.UsageRecord{WindowStart: windowStart}
		case err != nil:
			return QuotaStatus{}, err
		case !record.WindowStart.Equal(windowStart):
			used = statestore.UsageRecord{WindowStart: windowStart}
		default:
			used = record
		}

		requestLimit := requestLimitFor(kind, limits)
		if requestLimit != nil {
			status.RequestsRemaining[kind] = remaining(*requestLimit, used.Requests)
		}
		tokenLimit := tokenLimitFor(kind, limits)
		if tokenLimit != nil {
			status.TokensRemaining[kind] = remaining(*tokenLimit, used.Tokens)
		}
		status.ResetTime[kind] = timewindow.End(kind, now)
	}

	cooldown, err := t.store.GetCooldown(ctx, provider, model)
	if err == nil {
		expiry := cooldown.ExpiresAt
		status.CooldownUntil = &expiry
	} else if err != statestore.ErrNotFound {
		return QuotaStatus{}, err
	}

	return status, nil
}

func remaining(limit, used int64) *int64 {
	r := limit - used
	if r < 0 {
		r = 0
	}
	return &r
}

func requestLimitFor(kind timewindow.Kind, limits catalog.RateLimits) *int64 {
	switch kind {
	case timewindow.Minute:
		return limits.RequestsPerMinute
	case timewindow.Hour:
		return limits.RequestsPerHour
	case timewindow.Day:
		return limits.RequestsPerDay
	default:
		return nil
	}
}

func tokenLimitFor(kind timewindow.Kind, limits catalog.RateLimits) *int64 {
	switch kind {
	case timewindow.Minute:
		return limits.TokensPerMinute
	case timewindow.Hour:
		return limits.TokensPerHour
	case timewindow.Day:
		return limits.TokensPerDay
	default:
		return nil
	}
}

// CanMakeRequest returns false if the pair is in cooldown, or if any
// configured window has zero requests remaining, or (only when
// estimatedTokens > 0) fewer tokens remaining than estimatedTokens.
func (t *Tracker) CanMakeRequest(ctx context.Context, provider, model string, limits catalog.RateLimits, estimatedTokens int64) (bool, error) {
	inCooldown, err := t.IsInCooldown(ctx, provider, model)
	if err != nil {
		return false, err
	}
	if inCooldown {
		return false, nil
	}

	status, err := t.GetQuotaStatus(ctx, provider, model, limits)
	if err != nil {
		return false, err
	}

	for _, kind := range timewindow.All {
		if remain := status.RequestsRemaining[kind]; remain != nil && *remain <= 0 {
			return false, nil
		}
		if estimatedTokens > 0 {
			if remain := status.TokensRemaining[kind]; remain != nil && *remain < estimatedTokens {
				return false, nil
			}
		}
	}
	return true, nil
}

// MarkRateLimited writes a cooldown for (provider, model). expiresAt, when
// nil, defaults to now + the tracker's configured default cooldown.
func (t *Tracker) MarkRateLimited(ctx context.Context, provider, model string, expiresAt *time.Time) error {
	now := t.clock.Now()
	expiry := now.Add(t.defaultCooldown)
	if expiresAt != nil {
		expiry = *expiresAt
	}

	ttl := expiry.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}

	t.logger.Debug("marking rate limited", "provider", provider, "model", model, "expires_at", expiry)
	return t.store.SetCooldown(ctx, provider, model, statestore.CooldownRecord{ExpiresAt: expiry}, ttl)
}

// IsInCooldown is a thin wrapper reporting whether (provider, model) is
// currently cooling down.
func (t *Tracker) IsInCooldown(ctx context.Context, provider, model string) (bool, error) {
	_, err := t.store.GetCooldown(ctx, provider, model)
	if err == statestore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetCooldownUntil is a thin wrapper returning the cooldown expiry, if any.
func (t *Tracker) GetCooldownUntil(ctx context.Context, provider, model string) (*time.Time, error) {
	record, err := t.store.GetCooldown(ctx, provider, model)
	if err == statestore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	expiry := record.ExpiresAt
	return &expiry, nil
}

// ClearCooldown is a thin wrapper over the store's cooldown removal.
func (t *Tracker) ClearCooldown(ctx context.Context, provider, model string) error {
	return t.store.RemoveCooldown(ctx, provider, model)
}

// UpdateLatency folds an observed latency sample into the store's EMA.
func (t *Tracker) UpdateLatency(ctx context.Context, provider, model string, sampleMillis float64) error {
	_, err := t.store.UpdateLatency(ctx, provider, model, sampleMillis)
	return err
}

// GetLatency returns the current EMA latency sample for (provider, model),
// if one has been recorded.
func (t *Tracker) GetLatency(ctx context.Context, provider, model string) (statestore.LatencyRecord, bool, error) {
	record, err := t.store.GetLatency(ctx, provider, model)
	if err == statestore.ErrNotFound {
		return statestore.LatencyRecord{}, false, nil
	}
	if err != nil {
		return statestore.LatencyRecord{}, false, err
	}
	return record, true, nil
}
