// Package selfheal retries a failed apply with a recovery payload. A turn
// gets at most two attempts: the initial one, then either a re-apply of the
// extracted directive spans (when the raw response carried prose around
// them) or a verbatim retry (when the failure looks transient).
package selfheal

import (
	"context"
	"strings"

	"github.com/blazehq/blaze/internal/tags"
	"github.com/blazehq/blaze/model"
)

// ApplyFunc runs one apply attempt against a payload.
type ApplyFunc func(ctx context.Context, payload string) model.ApplyResult

// Outcome is the full attempt history of one turn's apply.
type Outcome struct {
	Attempts []model.ApplyAttempt
	// RecoveredBySelfHealing is true only when the initial attempt failed
	// and a retry finished without error.
	RecoveredBySelfHealing bool
}

// Result returns the final attempt's result.
func (o Outcome) Result() model.ApplyResult {
	if len(o.Attempts) == 0 {
		return model.ApplyResult{}
	}
	return o.Attempts[len(o.Attempts)-1].Result
}

// transientFragments are error substrings that indicate contention rather
// than a malformed payload, so the same payload is worth one more try.
var transientFragments = []string{
	"index.lock",
	".lock",
	"could not lock",
	"resource busy",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"another git process",
}

func isTransient(errText string) bool {
	lower := strings.ToLower(errText)
	for _, f := range transientFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Run applies payload, and on failure makes at most one recovery attempt.
// Strategy selection: if the complete directive spans extracted from the
// payload differ from the payload itself, retry with just those spans;
// otherwise retry verbatim only when the error is transient.
func Run(ctx context.Context, payload string, apply ApplyFunc) Outcome {
	var out Outcome

	payload = strings.TrimSpace(payload)
	first := apply(ctx, payload)
	out.Attempts = append(out.Attempts, model.ApplyAttempt{
		Strategy: model.StrategyInitial,
		Payload:  payload,
		Result:   first,
	})
	if first.Error == "" {
		return out
	}

	strategy, retryPayload := pickRetry(payload, first.Error)
	if strategy == "" {
		return out
	}

	second := apply(ctx, retryPayload)
	out.Attempts = append(out.Attempts, model.ApplyAttempt{
		Strategy: strategy,
		Payload:  retryPayload,
		Result:   second,
	})
	out.RecoveredBySelfHealing = second.Error == ""
	return out
}

// pickRetry assumes payload is already trimmed.
func pickRetry(payload, errText string) (model.ApplyStrategy, string) {
	extracted := tags.ExtractActionable(payload)
	if extracted != "" && extracted != payload {
		return model.StrategyActionableTags, extracted
	}
	if isTransient(errText) {
		return model.StrategySamePayload, payload
	}
	return "", ""
}
