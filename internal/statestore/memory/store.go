// Package memory implements an in-process statestore.Store backed by
// patrickmn/go-cache as its TTL-expiring map engine. A single mutex serializes the read-modify-write
// inside IncrementUsage and SetCooldown, satisfying the store's atomicity
// contract for a single process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/modelrouter/internal/clock"
	"github.com/blueberrycongee/modelrouter/internal/statestore"
)

// Store is an in-memory statestore.Store. Safe for concurrent use.
//
// Cooldown freshness is judged against clock rather than go-cache's own
// real-time TTL sweep, so tests can drive expiry with a
// clock.Fake instead of sleeping.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
	clock clock.Clock
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the clock used to judge cooldown expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an in-memory store. cleanupInterval controls how often expired
// entries are purged; pass 0 (or a negative value) for one minute.
func New(cleanupInterval time.Duration, opts ...Option) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &Store{cache: gocache.New(gocache.NoExpiration, cleanupInterval), clock: clock.Real()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func usageKey(key string) string { return "usage:" + key }

func cooldownKey(provider, model string) string { return fmt.Sprintf("cooldown:%s:%s", provider, model) }

func latencyKey(provider, model string) string { return fmt.Sprintf("latency:%s:%s", provider, model) }

func (s *Store) GetUsage(_ context.Context, key string) (statestore.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(usageKey(key))
	if !found {
		return statestore.UsageRecord{}, statestore.ErrNotFound
	}
	return v.(statestore.UsageRecord), nil
}

func (s *Store) SetUsage(_ context.Context, key string, record statestore.UsageRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Set(usageKey(key), record, ttl)
	return nil
}

func (s *Store) IncrementUsage(_ context.Context, key string, deltaRequests, deltaTokens int64, windowStart time.Time, ttl time.Duration) (statestore.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := usageKey(key)
	var record statestore.UsageRecord
	if v, found := s.cache.Get(full); found {
		existing := v.(statestore.UsageRecord)
		if existing.WindowStart.Equal(windowStart) {
			record = statestore.UsageRecord{
				Requests:    existing.Requests + deltaRequests,
				Tokens:      existing.Tokens + deltaTokens,
				WindowStart: windowStart,
			}
		} else {
			record = statestore.UsageRecord{Requests: deltaRequests, Tokens: deltaTokens, WindowStart: windowStart}
		}
	} else {
		record = statestore.UsageRecord{Requests: deltaRequests, Tokens: deltaTokens, WindowStart: windowStart}
	}

	s.cache.Set(full, record, ttl)
	return record, nil
}

func (s *Store) GetCooldown(_ context.Context, provider, model string) (statestore.CooldownRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(cooldownKey(provider, model))
	if !found {
		return statestore.CooldownRecord{}, statestore.ErrNotFound
	}
	record := v.(statestore.CooldownRecord)
	if !s.clock.Now().Before(record.ExpiresAt) {
		return statestore.CooldownRecord{}, statestore.ErrNotFound
	}
	return record, nil
}

// SetCooldown stores the record without relying on go-cache's own real-time
// TTL sweep for correctness: GetCooldown judges expiry against s.clock, so a
// clock.Fake can drive a cooldown past expiry without a real sleep. ttl still
// bounds how long the entry lingers in the underlying cache.
func (s *Store) SetCooldown(_ context.Context, provider, model string, record statestore.CooldownRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Set(cooldownKey(provider, model), record, ttl)
	return nil
}

func (s *Store) RemoveCooldown(_ context.Context, provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Delete(cooldownKey(provider, model))
	return nil
}

func (s *Store) GetLatency(_ context.Context, provider, model string) (statestore.LatencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(latencyKey(provider, model))
	if !found {
		return statestore.LatencyRecord{}, statestore.ErrNotFound
	}
	return v.(statestore.LatencyRecord), nil
}

func (s *Store) UpdateLatency(_ context.Context, provider, model string, sampleMillis float64) (statestore.LatencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := latencyKey(provider, model)
	var record statestore.LatencyRecord
	if v, found := s.cache.Get(full); found {
		existing := v.(statestore.LatencyRecord)
		record = statestore.LatencyRecord{
			AvgMillis:   existing.AvgMillis*statestore.LatencyDecay + sampleMillis*(1-statestore.LatencyDecay),
			SampleCount: existing.SampleCount + 1,
			UpdatedAt:   time.Now(),
		}
		if record.SampleCount > statestore.LatencySampleCap {
			record.SampleCount = statestore.LatencySampleCap
		}
	} else {
		record = statestore.LatencyRecord{AvgMillis: sampleMillis, SampleCount: 1, UpdatedAt: time.Now()}
	}

	s.cache.Set(full, record, gocache.NoExpiration)
	return record, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Flush()
	return nil
}

func (s *Store) Close() error {
	return nil
}

var _ statestore.Store = (*Store)(nil)
