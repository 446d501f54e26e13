// Package errors defines the router's tagged error taxonomy. Errors are
// data, not control flow: callers use errors.As to inspect them instead of
// matching on type switches at every call site.
package errors

import (
	"fmt"
	"time"
)

// ConfigurationError is raised at router construction for an invalid or
// empty provider list, an unknown provider kind, or an alias that references
// an unknown canonical id. It is fatal: construction stops.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ModelNotFound means a resolved name matched no provider, possibly after
// filtering by exclusion or cooldown.
type ModelNotFound struct {
	Model string
}

func (e *ModelNotFound) Error() string {
	return fmt.Sprintf("model not found: %s", e.Model)
}

// RateLimited is the internal signal produced by the upstream client when a
// provider responds 429. The driver always intercepts it; it is never
// propagated to the caller as-is unless AllProvidersExhausted fires.
type RateLimited struct {
	Provider string
	Model    string
	ResetAt  *time.Time
}

func (e *RateLimited) Error() string {
	if e.ResetAt != nil {
		return fmt.Sprintf("rate limited: provider=%s model=%s reset_at=%s", e.Provider, e.Model, e.ResetAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limited: provider=%s model=%s", e.Provider, e.Model)
}

// ProviderError is any non-429 HTTP or transport error from an upstream. It
// triggers backoff and failover.
type ProviderError struct {
	Provider   string
	StatusCode int
	Raw        string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: provider=%s status=%d %s", e.Provider, e.StatusCode, e.Raw)
}

// Timeout means a per-call deadline was exceeded. Treated as a ProviderError
// by the driver's classification.
type Timeout struct {
	Provider  string
	TimeoutMS int64
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout: provider=%s timeout_ms=%d", e.Provider, e.TimeoutMS)
}

// AllProvidersExhausted is terminal: the driver could not proceed and
// throw-on-exhausted is set.
type AllProvidersExhausted struct {
	Attempted     []string
	EarliestReset *time.Time
}

func (e *AllProvidersExhausted) Error() string {
	if e.EarliestReset != nil {
		return fmt.Sprintf("all providers exhausted: attempted=%v earliest_reset=%s", e.Attempted, e.EarliestReset.Format(time.RFC3339))
	}
	return fmt.Sprintf("all providers exhausted: attempted=%v", e.Attempted)
}

// SelectionError tags the internal failure modes of candidate selection.
// The driver surfaces it to callers as ModelNotFound or AllProvidersExhausted
// as appropriate. The one exception: with throw-on-exhausted disabled and no
// upstream call made, the driver returns it as-is.
type SelectionError struct {
	Kind  SelectionErrorKind
	Model string
	Name  string
	Inner error
}

// SelectionErrorKind enumerates the tagged variants from candidate selection.
type SelectionErrorKind string

const (
	NoMatchingProviders  SelectionErrorKind = "no-matching-providers"
	NoAvailableCandidates SelectionErrorKind = "no-available-candidates"
	StrategyFailed        SelectionErrorKind = "strategy-error"
	ProviderNotFound      SelectionErrorKind = "provider-not-found"
)

func (e *SelectionError) Error() string {
	switch e.Kind {
	case NoMatchingProviders, NoAvailableCandidates:
		return fmt.Sprintf("%s: %s", e.Kind, e.Model)
	case ProviderNotFound:
		return fmt.Sprintf("%s: %s", e.Kind, e.Name)
	case StrategyFailed:
		return fmt.Sprintf("%s: %v", e.Kind, e.Inner)
	default:
		return string(e.Kind)
	}
}

func (e *SelectionError) Unwrap() error {
	return e.Inner
}
