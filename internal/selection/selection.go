// Package selection implements the Candidate Selection pipeline: resolving a
// caller-supplied model token to a ranked, filtered shortlist of candidates
// and handing that shortlist to a Routing Strategy.
package selection

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/blueberrycongee/modelrouter/internal/candidate"
	"github.com/blueberrycongee/modelrouter/internal/catalog"
	"github.com/blueberrycongee/modelrouter/internal/ratelimit"
	"github.com/blueberrycongee/modelrouter/internal/statestore"
	"github.com/blueberrycongee/modelrouter/internal/strategy"
	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
)

// Selector runs the resolve -> filter -> rank -> strategy pipeline. It holds
// no per-request state beyond the current Catalog snapshot; the Tracker it
// wraps is read-only (the Tracker's own state lives in the Store) after
// router construction. The Catalog itself can be swapped at runtime via
// SetCatalog, so a provider-credential reload (config.Manager) takes effect
// on the very next Select call.
type Selector struct {
	catalog  atomic.Pointer[catalog.Catalog]
	tracker  *ratelimit.Tracker
	strategy strategy.Strategy
	logger   *slog.Logger
}

// New builds a Selector over an already-constructed catalog, tracker and
// strategy.
func New(cat *catalog.Catalog, tracker *ratelimit.Tracker, strat strategy.Strategy, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Selector{tracker: tracker, strategy: strat, logger: logger}
	s.catalog.Store(cat)
	return s
}

// SetCatalog atomically swaps the Catalog snapshot the Selector reads from.
// Used to apply a provider-credential hot reload without disturbing
// in-flight Select calls.
func (s *Selector) SetCatalog(cat *catalog.Catalog) { s.catalog.Store(cat) }

// Catalog returns the current Catalog snapshot.
func (s *Selector) Catalog() *catalog.Catalog { return s.catalog.Load() }

// Select runs the full pipeline for one model token and returns the
// strategy's pick, or a typed *errors.SelectionError.
func (s *Selector) Select(ctx context.Context, modelToken string, selCtx candidate.Context) (candidate.Candidate, error) {
	cat := s.catalog.Load()
	resolved := cat.Resolve(modelToken)

	matches, err := s.rawCandidates(cat, resolved, modelToken)
	if err != nil {
		return candidate.Candidate{}, err
	}

	survivors := make([]candidate.Candidate, 0, len(matches))
	for _, m := range matches {
		if !m.Provider.Enabled {
			continue
		}
		if selCtx.IsExcluded(m.Provider.Name) {
			continue
		}

		inCooldown, err := s.tracker.IsInCooldown(ctx, m.Provider.Name, m.Record.CanonicalID)
		if err != nil {
			return candidate.Candidate{}, err
		}
		if inCooldown {
			continue
		}

		quota, err := s.tracker.GetQuotaStatus(ctx, m.Provider.Name, m.Record.CanonicalID, m.Record.Limits)
		if err != nil {
			return candidate.Candidate{}, err
		}

		var latency *statestore.LatencyRecord
		if record, ok, err := s.tracker.GetLatency(ctx, m.Provider.Name, m.Record.CanonicalID); err != nil {
			return candidate.Candidate{}, err
		} else if ok {
			latency = &record
		}

		survivors = append(survivors, candidate.Candidate{
			Provider:      m.Provider,
			Record:        m.Record,
			Tier:          cat.ModelTier(m.Record.CanonicalID),
			Quota:         quota,
			Latency:       latency,
			IsFreeCredits: m.Provider.IsFreeCredits,
		})
	}

	if len(survivors) == 0 {
		return candidate.Candidate{}, &llmerrors.SelectionError{Kind: llmerrors.NoAvailableCandidates, Model: modelToken}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Tier > survivors[j].Tier
	})

	chosen, err := s.strategy.Select(survivors, selCtx)
	if err != nil {
		return candidate.Candidate{}, &llmerrors.SelectionError{Kind: llmerrors.StrategyFailed, Model: modelToken, Inner: err}
	}
	return chosen, nil
}

// rawCandidates builds the unfiltered candidate list for a resolved token:
// either every provider binding for a specific canonical id, or every
// binding matching a generic tier predicate.
func (s *Selector) rawCandidates(cat *catalog.Catalog, resolved, originalToken string) ([]catalog.Match, error) {
	if cat.IsGeneric(resolved) {
		tier, minTier, _ := cat.GenericConfig(resolved)
		matches := cat.ProvidersMatchingGeneric(tier, minTier)
		if len(matches) == 0 {
			return nil, &llmerrors.SelectionError{Kind: llmerrors.NoMatchingProviders, Model: originalToken}
		}
		return matches, nil
	}

	matches := cat.ProvidersSupporting(resolved)
	if len(matches) == 0 {
		return nil, &llmerrors.SelectionError{Kind: llmerrors.NoMatchingProviders, Model: originalToken}
	}
	return matches, nil
}
