// Package timewindow implements the tumbling-window arithmetic shared by the
// rate-limit tracker and the state store: aligning timestamps to fixed-length
// buckets and deriving TTLs and usage keys from them.
package timewindow

import (
	"fmt"
	"time"

	"github.com/blueberrycongee/modelrouter/internal/clock"
)

// Kind identifies one of the three supported window lengths.
type Kind string

const (
	Minute Kind = "minute"
	Hour   Kind = "hour"
	Day    Kind = "day"
)

// All lists every supported window kind, in the order usage is recorded.
var All = []Kind{Minute, Hour, Day}

// Length returns the window length for kind. Unknown kinds return 0.
func (k Kind) Length() time.Duration {
	switch k {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Start returns the floor-aligned start of the window kind containing now.
// Alignment is to the Unix epoch, so a day window starts at 00:00:00 UTC.
func Start(kind Kind, now time.Time) time.Time {
	length := kind.Length()
	if length <= 0 {
		return now
	}
	seconds := now.Unix()
	aligned := (seconds / int64(length.Seconds())) * int64(length.Seconds())
	return time.Unix(aligned, 0).UTC()
}

// End returns the exclusive end of the window that Start(kind, now) opens.
func End(kind Kind, now time.Time) time.Time {
	return Start(kind, now).Add(kind.Length())
}

// TimeUntilReset returns how long remains until the current window for kind
// closes, as observed from clk.
func TimeUntilReset(kind Kind, clk clock.Clock) time.Duration {
	now := clk.Now()
	return End(kind, now).Sub(now)
}

// UsageKey derives the state-store key for a (provider, model, window) triple.
// Layout mirrors the abstract persisted-state namespace: usage/<provider>/<model>/<window>.
func UsageKey(provider, model string, kind Kind) string {
	return fmt.Sprintf("usage/%s/%s/%s", provider, model, kind)
}

// CooldownKey derives the state-store key for a (provider, model) cooldown record.
func CooldownKey(provider, model string) string {
	return fmt.Sprintf("cooldown/%s/%s", provider, model)
}

// LatencyKey derives the state-store key for a (provider, model) latency record.
func LatencyKey(provider, model string) string {
	return fmt.Sprintf("latency/%s/%s", provider, model)
}
