package execution

import (
	"github.com/blueberrycongee/modelrouter/pkg/types"
)

// Estimator estimates the token cost of a chat-completion request before it
// is sent, so the Driver can pre-flight-check quota without waiting on the
// upstream's own accounting. Token counting by tokenizer is out of scope for
// the core; the default is the character-count heuristic below, and callers
// may substitute their own for non-Latin scripts or code-heavy content.
type Estimator func(req *types.ChatRequest) int64

// DefaultEstimator implements ceil(total-content-chars / 4) plus ~4 tokens of
// overhead per message and ~3 for the request itself.
func DefaultEstimator(req *types.ChatRequest) int64 {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content))
	}
	estimate := (chars + 3) / 4
	estimate += int64(len(req.Messages)) * 4
	estimate += 3
	return estimate
}
