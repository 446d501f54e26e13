// Package redisstore implements statestore.Store on top of Redis, using a
// Lua script for atomic usage increments, so usage counters stay correct across multiple router
// processes sharing one Redis instance.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/modelrouter/internal/statestore"
)

// incrementScript atomically compares the stored window-start to the
// caller's window-start: on a match it adds the deltas, otherwise it starts
// a fresh record, for a (requests, tokens) pair.
const incrementScript = `
local key = KEYS[1]
local delta_requests = tonumber(ARGV[1])
local delta_tokens = tonumber(ARGV[2])
local window_start = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local existing = redis.call('GET', key)
local requests, tokens

if existing then
	local decoded = cjson.decode(existing)
	if decoded.window_start == window_start then
		requests = decoded.requests + delta_requests
		tokens = decoded.tokens + delta_tokens
	else
		requests = delta_requests
		tokens = delta_tokens
	end
else
	requests = delta_requests
	tokens = delta_tokens
end

local record = cjson.encode({requests = requests, tokens = tokens, window_start = window_start})
redis.call('SET', key, record, 'EX', ttl_seconds)
return record
`

// latencyScript atomically folds a new sample into the EMA record.
const latencyScript = `
local key = KEYS[1]
local sample = tonumber(ARGV[1])
local decay = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])

local existing = redis.call('GET', key)
local avg, count

if existing then
	local decoded = cjson.decode(existing)
	avg = decoded.avg_millis * decay + sample * (1 - decay)
	count = decoded.sample_count + 1
	if count > cap then
		count = cap
	end
else
	avg = sample
	count = 1
end

local record = cjson.encode({avg_millis = avg, sample_count = count})
redis.call('SET', key, record)
return record
`

type usagePayload struct {
	Requests    int64 `json:"requests"`
	Tokens      int64 `json:"tokens"`
	WindowStart int64 `json:"window_start"`
}

type latencyPayload struct {
	AvgMillis   float64 `json:"avg_millis"`
	SampleCount int     `json:"sample_count"`
}

// Store is a Redis-backed statestore.Store.
type Store struct {
	client         redis.UniversalClient
	incrementScript *redis.Script
	latencyScript   *redis.Script
}

// New wraps an existing Redis client. The caller owns the client's lifecycle
// except that Close is forwarded.
func New(client redis.UniversalClient) *Store {
	return &Store{
		client:          client,
		incrementScript: redis.NewScript(incrementScript),
		latencyScript:   redis.NewScript(latencyScript),
	}
}

func usageRedisKey(key string) string { return "modelrouter:usage:" + key }

func cooldownRedisKey(provider, model string) string {
	return fmt.Sprintf("modelrouter:cooldown:%s:%s", provider, model)
}

func latencyRedisKey(provider, model string) string {
	return fmt.Sprintf("modelrouter:latency:%s:%s", provider, model)
}

func (s *Store) GetUsage(ctx context.Context, key string) (statestore.UsageRecord, error) {
	raw, err := s.client.Get(ctx, usageRedisKey(key)).Result()
	if err == redis.Nil {
		return statestore.UsageRecord{}, statestore.ErrNotFound
	}
	if err != nil {
		return statestore.UsageRecord{}, err
	}

	var payload usagePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return statestore.UsageRecord{}, fmt.Errorf("decode usage record: %w", err)
	}
	return statestore.UsageRecord{
		Requests:    payload.Requests,
		Tokens:      payload.Tokens,
		WindowStart: time.Unix(payload.WindowStart, 0).UTC(),
	}, nil
}

func (s *Store) SetUsage(ctx context.Context, key string, record statestore.UsageRecord, ttl time.Duration) error {
	payload := usagePayload{Requests: record.Requests, Tokens: record.Tokens, WindowStart: record.WindowStart.Unix()}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, usageRedisKey(key), raw, ttl).Err()
}

func (s *Store) IncrementUsage(ctx context.Context, key string, deltaRequests, deltaTokens int64, windowStart time.Time, ttl time.Duration) (statestore.UsageRecord, error) {
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}

	raw, err := s.incrementScript.Run(ctx, s.client, []string{usageRedisKey(key)},
		deltaRequests, deltaTokens, windowStart.Unix(), ttlSeconds).Text()
	if err != nil {
		return statestore.UsageRecord{}, err
	}

	var payload usagePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return statestore.UsageRecord{}, fmt.Errorf("decode usage record: %w", err)
	}
	return statestore.UsageRecord{
		Requests:    payload.Requests,
		Tokens:      payload.Tokens,
		WindowStart: time.Unix(payload.WindowStart, 0).UTC(),
	}, nil
}

func (s *Store) GetCooldown(ctx context.Context, provider, model string) (statestore.CooldownRecord, error) {
	raw, err := s.client.Get(ctx, cooldownRedisKey(provider, model)).Int64()
	if err == redis.Nil {
		return statestore.CooldownRecord{}, statestore.ErrNotFound
	}
	if err != nil {
		return statestore.CooldownRecord{}, err
	}
	return statestore.CooldownRecord{ExpiresAt: time.Unix(raw, 0).UTC()}, nil
}

func (s *Store) SetCooldown(ctx context.Context, provider, model string, record statestore.CooldownRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, cooldownRedisKey(provider, model), record.ExpiresAt.Unix(), ttl).Err()
}

func (s *Store) RemoveCooldown(ctx context.Context, provider, model string) error {
	return s.client.Del(ctx, cooldownRedisKey(provider, model)).Err()
}

func (s *Store) GetLatency(ctx context.Context, provider, model string) (statestore.LatencyRecord, error) {
	raw, err := s.client.Get(ctx, latencyRedisKey(provider, model)).Result()
	if err == redis.Nil {
		return statestore.LatencyRecord{}, statestore.ErrNotFound
	}
	if err != nil {
		return statestore.LatencyRecord{}, err
	}

	var payload latencyPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return statestore.LatencyRecord{}, fmt.Errorf("decode latency record: %w", err)
	}
	return statestore.LatencyRecord{AvgMillis: payload.AvgMillis, SampleCount: payload.SampleCount, UpdatedAt: time.Now()}, nil
}

func (s *Store) UpdateLatency(ctx context.Context, provider, model string, sampleMillis float64) (statestore.LatencyRecord, error) {
	raw, err := s.latencyScript.Run(ctx, s.client, []string{latencyRedisKey(provider, model)},
		sampleMillis, statestore.LatencyDecay, statestore.LatencySampleCap).Text()
	if err != nil {
		return statestore.LatencyRecord{}, err
	}

	var payload latencyPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return statestore.LatencyRecord{}, fmt.Errorf("decode latency record: %w", err)
	}
	return statestore.LatencyRecord{AvgMillis: payload.AvgMillis, SampleCount: payload.SampleCount, UpdatedAt: time.Now()}, nil
}

func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, "modelrouter:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

var _ statestore.Store = (*Store)(nil)
