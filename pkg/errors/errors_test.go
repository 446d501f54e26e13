package errors

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigurationErrorMessage(t *testing.T) {
	err := &ConfigurationError{Reason: "empty provider list"}
	want := "configuration error: empty provider list"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRateLimitedWithAndWithoutResetAt(t *testing.T) {
	err := &RateLimited{Provider: "openai", Model: "gpt-4"}
	if err.Error() == "" {
		t.Fatal("expected non-empty message")
	}

	reset := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	err.ResetAt = &reset
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty message with reset_at")
	}
}

func TestSelectionErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &SelectionError{Kind: StrategyFailed, Inner: inner}

	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to find the wrapped inner error")
	}
}

func TestAllProvidersExhaustedListsAttempted(t *testing.T) {
	err := &AllProvidersExhausted{Attempted: []string{"a", "b"}}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	if !strings.Contains(msg, "attempted=[a b]") {
		t.Errorf("Error() = %q, want it to list the attempted providers", msg)
	}
}
