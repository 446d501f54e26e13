// Package candidate defines the shared shapes that flow between Candidate
// Selection and Routing Strategy, kept in their own package so neither side
// has to import the other.
package candidate

import (
	"github.com/blueberrycongee/modelrouter/internal/catalog"
	"github.com/blueberrycongee/modelrouter/internal/ratelimit"
	"github.com/blueberrycongee/modelrouter/internal/statestore"
)

// Candidate is one (provider, provider-model-record) pairing augmented with
// the quota/latency snapshot taken at selection time, for one request. It is
// ephemeral: built fresh per selection call and owned by that call.
type Candidate struct {
	Provider      *catalog.ProviderDescriptor
	Record        catalog.ProviderModelRecord
	Tier          int
	Quota         ratelimit.QuotaStatus
	Latency       *statestore.LatencyRecord
	IsFreeCredits bool
}

// Context carries the per-request selection state that accumulates across
// retries: which providers have already been tried or excluded, and how many
// retries have elapsed.
type Context struct {
	Excluded   map[string]struct{}
	RetryCount int
}

// NewContext returns an empty selection context.
func NewContext() Context {
	return Context{Excluded: make(map[string]struct{})}
}

// IsExcluded reports whether providerName has already been excluded.
func (c Context) IsExcluded(providerName string) bool {
	_, ok := c.Excluded[providerName]
	return ok
}

// Exclude adds providerName to the excluded set, returning the updated
// context. Context is passed by value; callers must use the return value.
func (c Context) Exclude(providerName string) Context {
	next := make(map[string]struct{}, len(c.Excluded)+1)
	for k := range c.Excluded {
		next[k] = struct{}{}
	}
	next[providerName] = struct{}{}
	return Context{Excluded: next, RetryCount: c.RetryCount}
}
