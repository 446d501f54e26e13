// Package modelrouter is a client-side chat-completion router: given a set
// of configured LLM providers and a model catalog, it tracks each
// (provider, model) pair's rate-limit usage, selects a candidate per request
// according to a configurable strategy, and executes the call with
// automatic failover and retry.
package modelrouter

import (
	"context"

	"github.com/blueberrycongee/modelrouter/internal/catalog"
	"github.com/blueberrycongee/modelrouter/internal/execution"
	"github.com/blueberrycongee/modelrouter/internal/ratelimit"
	"github.com/blueberrycongee/modelrouter/internal/selection"
	"github.com/blueberrycongee/modelrouter/internal/statestore/memory"
	"github.com/blueberrycongee/modelrouter/internal/strategy"
	"github.com/blueberrycongee/modelrouter/internal/upstream"
	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
	"github.com/blueberrycongee/modelrouter/pkg/types"
)

// Router is a thin facade wiring the Model Catalog, Rate-Limit Tracker,
// Candidate Selection, Routing Strategy and Execution Driver together
// behind a functional-options constructor.
type Router struct {
	selector *selection.Selector
	tracker  *ratelimit.Tracker
	driver   *execution.Driver
}

// New builds a Router from the contents of a loaded config.Bundle (see
// config.Load) and any number of Options. Construction fails fast with
// *errors.ConfigurationError if the provider set is empty or a provider
// references an unknown canonical id — model_aliases entries are validated
// the same way (a generic alias token is also accepted as their target).
func New(models []catalog.ModelDescriptor, genericAliases map[string]catalog.GenericAliasSpec, providers []catalog.ProviderDescriptor, opts ...Option) (*Router, error) {
	if len(providers) == 0 {
		return nil, &llmerrors.ConfigurationError{Reason: "at least one provider must be configured"}
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}

	cat, err := catalog.New(models, genericAliases, providers, s.modelAliases)
	if err != nil {
		return nil, err
	}

	strat, err := strategy.New(strategy.Kind(s.strategyKind))
	if err != nil {
		return nil, err
	}

	store := s.store
	if store == nil {
		store = memory.New(0)
	}

	tracker := ratelimit.New(store, ratelimit.WithLogger(s.logger))
	sel := selection.New(cat, tracker, strat, s.logger)

	client := s.upstreamClient
	if client == nil {
		client = upstream.NewHTTPClient(s.timeout)
	}

	driverOpts := []execution.Option{
		execution.WithLogger(s.logger),
		execution.WithRetryPolicy(s.retry),
		execution.WithPerCallTimeout(s.timeout),
		execution.WithThrowOnExhausted(s.throwOnExhausted),
		execution.WithMetrics(s.metrics),
	}
	if s.estimator != nil {
		driverOpts = append(driverOpts, execution.WithEstimator(s.estimator))
	}
	if s.streamUsageHook != nil {
		driverOpts = append(driverOpts, execution.WithStreamUsageHook(s.streamUsageHook))
	}
	if s.burstRPS > 0 {
		driverOpts = append(driverOpts, execution.WithProviderBurstLimit(s.burstRPS, s.burstSize))
	}

	driver := execution.New(sel, tracker, client, driverOpts...)

	if s.providerManager != nil {
		s.providerManager.OnChange(func(updated []catalog.ProviderDescriptor) {
			newCat, err := catalog.New(models, genericAliases, updated, s.modelAliases)
			if err != nil {
				s.logger.Error("provider reload produced an invalid catalog, keeping previous", "error", err)
				return
			}
			sel.SetCatalog(newCat)
		})
	}

	return &Router{selector: sel, tracker: tracker, driver: driver}, nil
}

// ChatCompletion routes and executes a single non-streaming request,
// selecting a candidate, dispatching it, and failing over per the
// configured retry policy. The returned Metadata identifies which provider
// ultimately served the request.
func (r *Router) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, execution.Metadata, error) {
	if err := types.ValidateModelName(req.Model); err != nil {
		return nil, execution.Metadata{}, &llmerrors.ConfigurationError{Reason: err.Error()}
	}
	return r.driver.ChatCompletion(ctx, req)
}

// ChatCompletionStream runs the same selection/failover protocol as
// ChatCompletion but hands back the raw upstream stream on the first
// successful dial.
func (r *Router) ChatCompletionStream(ctx context.Context, req *types.ChatRequest) (upstream.StreamHandler, execution.Metadata, error) {
	if err := types.ValidateModelName(req.Model); err != nil {
		return nil, execution.Metadata{}, &llmerrors.ConfigurationError{Reason: err.Error()}
	}
	return r.driver.ChatCompletionStream(ctx, req)
}

// Tracker exposes the underlying Rate-Limit Tracker for callers that want to
// inspect quota status or cooldowns directly (e.g. an admin/status endpoint).
func (r *Router) Tracker() *ratelimit.Tracker { return r.tracker }

// Catalog exposes the current Model Catalog snapshot for introspection. If
// a provider manager is installed via WithProviderManager, this reflects
// the most recently reloaded provider set.
func (r *Router) Catalog() *catalog.Catalog { return r.selector.Catalog() }
