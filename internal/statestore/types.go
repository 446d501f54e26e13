// Package statestore defines the abstract persistence contract the
// rate-limit tracker depends on, plus in-memory and Redis-backed
// implementations. The tracker holds no local mirror of this state; the
// store is the sole authority and the sole synchronization point across
// concurrent requests.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads for a key with no live record. Callers
// treat a not-found the same as an expired record: both mean "absent".
var ErrNotFound = errors.New("statestore: record not found")

// UsageRecord tracks request and token counts for one aligned window.
type UsageRecord struct {
	Requests    int64
	Tokens      int64
	WindowStart time.Time
}

// CooldownRecord marks a (provider, model) pair as unroutable until ExpiresAt.
type CooldownRecord struct {
	ExpiresAt time.Time
}

// LatencyRecord holds an exponential moving average of upstream latency.
type LatencyRecord struct {
	AvgMillis   float64
	SampleCount int
	UpdatedAt   time.Time
}

// LatencyDecay is the EMA decay factor for latency updates: new = old*decay + sample*(1-decay).
const LatencyDecay = 0.8

// LatencySampleCap bounds SampleCount so long-lived deployments don't grow it unbounded.
const LatencySampleCap = 100

// Store is the capability set the tracker depends on: usage accounting,
// cooldown management, optional latency history, and teardown. A backend
// may serialize per key; the core only requires that increment-usage and
// set-cooldown be atomic with respect to concurrent callers on the same key.
type Store interface {
	// GetUsage returns the current record for key, or ErrNotFound if absent
	// or expired.
	GetUsage(ctx context.Context, key string) (UsageRecord, error)

	// SetUsage overwrites the record for key with the given TTL.
	SetUsage(ctx context.Context, key string, record UsageRecord, ttl time.Duration) error

	// IncrementUsage is the tracker's only write path for counters. If the
	// stored record's WindowStart differs from windowStart, the previous
	// record is treated as absent and a fresh one starts at
	// (deltaRequests, deltaTokens). Otherwise the deltas are added to the
	// existing record. Must be atomic per key under concurrent callers.
	IncrementUsage(ctx context.Context, key string, deltaRequests, deltaTokens int64, windowStart time.Time, ttl time.Duration) (UsageRecord, error)

	// GetCooldown returns the cooldown record for (provider, model), or
	// ErrNotFound if absent or expired.
	GetCooldown(ctx context.Context, provider, model string) (CooldownRecord, error)

	// SetCooldown overwrites the cooldown record. TTL is derived by the
	// caller from expires-at minus now.
	SetCooldown(ctx context.Context, provider, model string, record CooldownRecord, ttl time.Duration) error

	// RemoveCooldown clears any cooldown for (provider, model).
	RemoveCooldown(ctx context.Context, provider, model string) error

	// GetLatency returns the latency record for (provider, model), or
	// ErrNotFound if none has been recorded.
	GetLatency(ctx context.Context, provider, model string) (LatencyRecord, error)

	// UpdateLatency folds a new sample into the EMA, initializing the
	// average from the first sample.
	UpdateLatency(ctx context.Context, provider, model string, sampleMillis float64) (LatencyRecord, error)

	// Clear removes all records held by the store.
	Clear(ctx context.Context) error

	// Close releases resources. The store must not be used after Close.
	Close() error
}
