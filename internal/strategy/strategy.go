// Package strategy implements the Routing Strategy contract: picking one
// candidate from an already-sorted, already-filtered shortlist, dispatching
// on a named Kind among several interchangeable pick-one-of-many
// implementations.
package strategy

import (
	"math"
	"sort"

	"github.com/blueberrycongee/modelrouter/internal/candidate"
	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
)

// Kind names one of the built-in strategies, used by router construction
// options to select an implementation by string.
type Kind string

const (
	Priority  Kind = "priority"
	LeastUsed Kind = "least-used"
)

// epsilon is the tolerance for treating two availability scores as tied.
const epsilon = 0.001

// Strategy picks one candidate from a shortlist that Candidate Selection has
// already sorted by tier descending. Implementations restrict themselves to
// the highest-tier group present in the input and never cross tiers.
type Strategy interface {
	Select(sorted []candidate.Candidate, ctx candidate.Context) (candidate.Candidate, error)
}

// New builds the strategy named by kind. Unknown kinds are a configuration
// error surfaced at router construction, not at selection time.
func New(kind Kind) (Strategy, error) {
	switch kind {
	case "", Priority:
		return PriorityStrategy{}, nil
	case LeastUsed:
		return LeastUsedStrategy{}, nil
	default:
		return nil, &llmerrors.ConfigurationError{Reason: "unknown routing strategy: " + string(kind)}
	}
}

// highestTier returns the prefix of sorted whose tier equals the first
// (highest) entry's tier. sorted must already be tier-descending.
func highestTier(sorted []candidate.Candidate) []candidate.Candidate {
	if len(sorted) == 0 {
		return nil
	}
	top := sorted[0].Tier
	end := 1
	for end < len(sorted) && sorted[end].Tier == top {
		end++
	}
	return sorted[:end]
}

// PriorityStrategy picks the highest-tier candidate with the smallest
// configured provider priority (lower number = higher precedence), stable on
// ties.
type PriorityStrategy struct{}

func (PriorityStrategy) Select(sorted []candidate.Candidate, _ candidate.Context) (candidate.Candidate, error) {
	group := highestTier(sorted)
	if len(group) == 0 {
		return candidate.Candidate{}, &llmerrors.SelectionError{Kind: llmerrors.NoAvailableCandidates}
	}

	ranked := make([]candidate.Candidate, len(group))
	copy(ranked, group)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Provider.Priority < ranked[j].Provider.Priority
	})
	return ranked[0], nil
}

// LeastUsedStrategy picks the highest-tier candidate with the greatest
// availability score: the minimum, across every configured metric x window
// pair, of remaining/limit. A candidate with no configured limits at all
// scores 1 (fully available). Ties within epsilon break by ascending
// priority.
type LeastUsedStrategy struct{}

func (LeastUsedStrategy) Select(sorted []candidate.Candidate, _ candidate.Context) (candidate.Candidate, error) {
	group := highestTier(sorted)
	if len(group) == 0 {
		return candidate.Candidate{}, &llmerrors.SelectionError{Kind: llmerrors.NoAvailableCandidates}
	}

	best := group[0]
	bestScore := availabilityScore(group[0])
	for _, c := range group[1:] {
		score := availabilityScore(c)
		if score > bestScore+epsilon {
			best, bestScore = c, score
			continue
		}
		if math.Abs(score-bestScore) <= epsilon && c.Provider.Priority < best.Provider.Priority {
			best, bestScore = c, score
		}
	}
	return best, nil
}

// availabilityScore computes min(remaining/limit) across every configured
// requests-per-window and tokens-per-window pair present in the candidate's
// quota snapshot. A candidate with no configured limits scores 1.
func availabilityScore(c candidate.Candidate) float64 {
	score := 1.0
	saw := false

	ratio := func(remaining *int64, limit *int64) {
		if remaining == nil || limit == nil || *limit <= 0 {
			return
		}
		saw = true
		r := float64(*remaining) / float64(*limit)
		if r < score {
			score = r
		}
	}

	ratio(c.Quota.RequestsRemaining["minute"], c.Record.Limits.RequestsPerMinute)
	ratio(c.Quota.RequestsRemaining["hour"], c.Record.Limits.RequestsPerHour)
	ratio(c.Quota.RequestsRemaining["day"], c.Record.Limits.RequestsPerDay)
	ratio(c.Quota.TokensRemaining["minute"], c.Record.Limits.TokensPerMinute)
	ratio(c.Quota.TokensRemaining["hour"], c.Record.Limits.TokensPerHour)
	ratio(c.Quota.TokensRemaining["day"], c.Record.Limits.TokensPerDay)

	if !saw {
		return 1
	}
	return score
}
