package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelrouter/internal/statestore"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func TestIncrementUsageAtomicAcrossWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	windowStart := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		_, err := s.IncrementUsage(ctx, "openai/gpt-4/minute", 1, 20, windowStart, time.Minute)
		require.NoError(t, err)
	}

	record, err := s.GetUsage(ctx, "openai/gpt-4/minute")
	require.NoError(t, err)
	require.Equal(t, int64(5), record.Requests)
	require.Equal(t, int64(100), record.Tokens)
}

func TestIncrementUsageResetsOnNewWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.IncrementUsage(ctx, "k", 3, 300, time.Unix(0, 0), time.Minute)
	require.NoError(t, err)

	record, err := s.IncrementUsage(ctx, "k", 1, 5, time.Unix(60, 0), time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), record.Requests)
	require.Equal(t, int64(5), record.Tokens)
}

func TestCooldownRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(30 * time.Second).Truncate(time.Second)
	require.NoError(t, s.SetCooldown(ctx, "A", "m", statestore.CooldownRecord{ExpiresAt: expires}, 30*time.Second))

	record, err := s.GetCooldown(ctx, "A", "m")
	require.NoError(t, err)
	require.Equal(t, expires.Unix(), record.ExpiresAt.Unix())

	require.NoError(t, s.RemoveCooldown(ctx, "A", "m"))
	_, err = s.GetCooldown(ctx, "A", "m")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestUpdateLatencyEMA(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	record, err := s.UpdateLatency(ctx, "A", "m", 100)
	require.NoError(t, err)
	require.Equal(t, float64(100), record.AvgMillis)
	require.Equal(t, 1, record.SampleCount)

	record, err = s.UpdateLatency(ctx, "A", "m", 200)
	require.NoError(t, err)
	require.InDelta(t, 100*statestore.LatencyDecay+200*(1-statestore.LatencyDecay), record.AvgMillis, 0.001)
	require.Equal(t, 2, record.SampleCount)
}

func TestGetUsageNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetUsage(context.Background(), "missing")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}
