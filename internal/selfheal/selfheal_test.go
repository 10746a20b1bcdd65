package selfheal

import (
	"context"
	"testing"

	"github.com/blazehq/blaze/model"
)

const directive = "<blaze-write path=\"a.txt\">\nhi\n</blaze-write>"

// scriptedApply returns the queued results in order and records payloads.
func scriptedApply(results ...model.ApplyResult) (ApplyFunc, *[]string) {
	payloads := &[]string{}
	i := 0
	return func(_ context.Context, payload string) model.ApplyResult {
		*payloads = append(*payloads, payload)
		r := results[i]
		i++
		return r
	}, payloads
}

func TestRunSucceedsFirstTry(t *testing.T) {
	apply, _ := scriptedApply(model.ApplyResult{UpdatedFiles: true})

	out := Run(context.Background(), directive, apply)
	if len(out.Attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(out.Attempts))
	}
	if out.Attempts[0].Strategy != model.StrategyInitial {
		t.Fatalf("unexpected strategy: %s", out.Attempts[0].Strategy)
	}
	if out.RecoveredBySelfHealing {
		t.Fatal("a clean first attempt is not a recovery")
	}
	if !out.Result().UpdatedFiles {
		t.Fatal("final result should be the first attempt's")
	}
}

func TestRunRetriesWithExtractedTags(t *testing.T) {
	payload := "Let me fix that.\n\n" + directive + "\n\nDone!"
	apply, payloads := scriptedApply(
		model.ApplyResult{Error: "invalid write directive: malformed"},
		model.ApplyResult{UpdatedFiles: true},
	)

	out := Run(context.Background(), payload, apply)
	if len(out.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[1].Strategy != model.StrategyActionableTags {
		t.Fatalf("unexpected retry strategy: %s", out.Attempts[1].Strategy)
	}
	if (*payloads)[1] != directive {
		t.Fatalf("retry should carry only the directive spans, got %q", (*payloads)[1])
	}
	if !out.RecoveredBySelfHealing {
		t.Fatal("successful retry should count as recovery")
	}
}

func TestRunRetriesSamePayloadOnTransientError(t *testing.T) {
	apply, payloads := scriptedApply(
		model.ApplyResult{Error: "git commit: exit status 128: Unable to create index.lock: File exists"},
		model.ApplyResult{UpdatedFiles: true},
	)

	out := Run(context.Background(), directive, apply)
	if len(out.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[1].Strategy != model.StrategySamePayload {
		t.Fatalf("unexpected retry strategy: %s", out.Attempts[1].Strategy)
	}
	if (*payloads)[0] != (*payloads)[1] {
		t.Fatal("transient retry must reuse the payload verbatim")
	}
	if !out.RecoveredBySelfHealing {
		t.Fatal("successful retry should count as recovery")
	}
}

func TestRunGivesUpOnDurableFailure(t *testing.T) {
	// Pure directive payload (nothing new to extract) and a non-transient
	// error: no retry is worth making.
	apply, _ := scriptedApply(
		model.ApplyResult{Error: "search block not found in a.txt"},
	)

	out := Run(context.Background(), directive, apply)
	if len(out.Attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(out.Attempts))
	}
	if out.RecoveredBySelfHealing {
		t.Fatal("giving up is not a recovery")
	}
	if out.Result().Error == "" {
		t.Fatal("final result should carry the failure")
	}
}

func TestRunFailedRetryIsNotRecovery(t *testing.T) {
	payload := "Prose first.\n\n" + directive
	apply, _ := scriptedApply(
		model.ApplyResult{Error: "boom"},
		model.ApplyResult{Error: "still broken"},
	)

	out := Run(context.Background(), payload, apply)
	if len(out.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(out.Attempts))
	}
	if out.RecoveredBySelfHealing {
		t.Fatal("failed retry must not count as recovery")
	}
	if out.Result().Error != "still broken" {
		t.Fatalf("final result should be the retry's, got %q", out.Result().Error)
	}
}

func TestRunTrimsPayloadBeforeFirstAttempt(t *testing.T) {
	apply, payloads := scriptedApply(model.ApplyResult{UpdatedFiles: true})

	out := Run(context.Background(), "\n\n  "+directive+"  \n", apply)
	if len(out.Attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(out.Attempts))
	}
	if (*payloads)[0] != directive {
		t.Fatalf("first attempt should apply the trimmed payload, got %q", (*payloads)[0])
	}
	if out.Attempts[0].Payload != directive {
		t.Fatalf("recorded payload should be trimmed, got %q", out.Attempts[0].Payload)
	}
}

func TestRunExhaustsBudgetOnRepeatedLockContention(t *testing.T) {
	apply, payloads := scriptedApply(
		model.ApplyResult{Error: "Unable to create index.lock: File exists"},
		model.ApplyResult{Error: "Unable to create index.lock: File exists (again)"},
	)

	out := Run(context.Background(), directive, apply)
	if len(out.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[1].Strategy != model.StrategySamePayload {
		t.Fatalf("unexpected retry strategy: %s", out.Attempts[1].Strategy)
	}
	if (*payloads)[0] != (*payloads)[1] {
		t.Fatal("transient retry must reuse the payload verbatim")
	}
	if out.RecoveredBySelfHealing {
		t.Fatal("an exhausted budget is not a recovery")
	}
	if out.Result().Error != "Unable to create index.lock: File exists (again)" {
		t.Fatalf("final error should be the retry's, got %q", out.Result().Error)
	}
}

func TestIsTransientVocabulary(t *testing.T) {
	cases := map[string]bool{
		"Unable to create index.lock":          true,
		"RESOURCE BUSY":                        true,
		"operation timed out":                  true,
		"another git process seems to be running": true,
		"search block not found":               false,
		"":                                     false,
	}
	for text, want := range cases {
		if got := isTransient(text); got != want {
			t.Errorf("isTransient(%q) = %v, want %v", text, got, want)
		}
	}
}
