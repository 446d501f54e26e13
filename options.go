package modelrouter

import (
	"log/slog"
	"time"

	"github.com/blueberrycongee/modelrouter/internal/config"
	"github.com/blueberrycongee/modelrouter/internal/execution"
	"github.com/blueberrycongee/modelrouter/internal/metrics"
	"github.com/blueberrycongee/modelrouter/internal/statestore"
	"github.com/blueberrycongee/modelrouter/internal/statestore/memory"
	"github.com/blueberrycongee/modelrouter/internal/statestore/redisstore"
	"github.com/blueberrycongee/modelrouter/internal/upstream"

	"github.com/redis/go-redis/v9"
)

// Option configures a Router at construction via the functional-options
// pattern.
type Option func(*settings)

type settings struct {
	strategyKind     string
	modelAliases     map[string]string
	timeout          time.Duration
	retry            execution.RetryPolicy
	throwOnExhausted bool
	store            statestore.Store
	logger           *slog.Logger
	upstreamClient   upstream.Client
	metrics          *metrics.Metrics
	estimator        execution.Estimator
	streamUsageHook  execution.StreamUsageHook
	burstRPS         float64
	burstSize        int
	providerManager  *config.Manager
}

func defaultSettings() *settings {
	return &settings{
		strategyKind:     "priority",
		timeout:          60 * time.Second,
		retry:            execution.DefaultRetryPolicy(),
		throwOnExhausted: true,
		logger:           slog.Default(),
	}
}

// WithStrategy selects the Routing Strategy: "priority" or "least-used".
func WithStrategy(kind string) Option { return func(s *settings) { s.strategyKind = kind } }

// WithModelAliases installs the highest-precedence alias table, taking
// priority over both declared and generic aliases from the model catalog.
func WithModelAliases(aliases map[string]string) Option {
	return func(s *settings) { s.modelAliases = aliases }
}

// WithTimeout sets the per-upstream-call deadline.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithRetryPolicy overrides the Execution Driver's retry/backoff bounds.
func WithRetryPolicy(p execution.RetryPolicy) Option {
	return func(s *settings) { s.retry = p }
}

// WithThrowOnExhausted controls whether a fully exhausted request returns
// *errors.AllProvidersExhausted (true, the default) or the last upstream
// error observed (false). With false and no upstream call made (every
// candidate pruned before dispatch), the selection error that ended the
// loop is returned.
func WithThrowOnExhausted(v bool) Option { return func(s *settings) { s.throwOnExhausted = v } }

// WithMemoryStore selects the in-process go-cache-backed state store
// (the default if no store option is given).
func WithMemoryStore(cleanupInterval time.Duration) Option {
	return func(s *settings) { s.store = memory.New(cleanupInterval) }
}

// WithRedisStore selects a Redis-backed state store, for deployments that
// need usage/cooldown state shared across processes.
func WithRedisStore(client redis.UniversalClient) Option {
	return func(s *settings) { s.store = redisstore.New(client) }
}

// WithStore installs a caller-supplied statestore.Store directly.
func WithStore(store statestore.Store) Option { return func(s *settings) { s.store = store } }

// WithLogger overrides the router's *slog.Logger, propagated to the Tracker
// and Execution Driver.
func WithLogger(logger *slog.Logger) Option { return func(s *settings) { s.logger = logger } }

// WithUpstreamClient overrides the default OpenAI-compatible HTTP client
// used to reach providers. Mainly for tests.
func WithUpstreamClient(client upstream.Client) Option {
	return func(s *settings) { s.upstreamClient = client }
}

// WithMetrics installs the router's Prometheus surface.
func WithMetrics(m *metrics.Metrics) Option { return func(s *settings) { s.metrics = m } }

// WithEstimator overrides the pre-flight token estimator.
func WithEstimator(e execution.Estimator) Option { return func(s *settings) { s.estimator = e } }

// WithStreamUsageHook registers the post-stream usage reconciliation hook.
func WithStreamUsageHook(hook execution.StreamUsageHook) Option {
	return func(s *settings) { s.streamUsageHook = hook }
}

// WithProviderBurstLimit installs a per-provider token-bucket admission gate
// in front of every upstream call, independent of the Rate-Limit Tracker.
func WithProviderBurstLimit(requestsPerSecond float64, burst int) Option {
	return func(s *settings) { s.burstRPS = requestsPerSecond; s.burstSize = burst }
}

// WithProviderManager subscribes the Router to a config.Manager's hot
// reloads of provider credentials/enabled/priority fields. On every
// validated reload, the Selector's Catalog snapshot is rebuilt with the
// updated provider set and swapped in atomically, so the next Select call
// sees the change without disturbing requests already in flight.
func WithProviderManager(mgr *config.Manager) Option {
	return func(s *settings) { s.providerManager = mgr }
}
