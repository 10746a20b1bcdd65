package model

import "testing"

func TestTruncateShortString(t *testing.T) {
	got := Truncate("hello", 10)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateExactLength(t *testing.T) {
	got := Truncate("hello", 5)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("expected 'hello...', got %q", got)
	}
}

func TestTruncateVerySmallMaxLen(t *testing.T) {
	got := Truncate("hello", 2)
	if got != "he" {
		t.Fatalf("expected 'he', got %q", got)
	}
}

func TestTruncateMaxLenThree(t *testing.T) {
	got := Truncate("hello", 3)
	if got != "hel" {
		t.Fatalf("expected 'hel', got %q", got)
	}
}

func TestTruncateEmptyString(t *testing.T) {
	got := Truncate("", 10)
	if got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestTruncateUnicode(t *testing.T) {
	got := Truncate("こんにちは世界", 6)
	if got != "こんに..." {
		t.Fatalf("expected 'こんに...', got %q", got)
	}
}

func TestTurnStatusConstants(t *testing.T) {
	statuses := []TurnStatus{TurnStreaming, TurnEnded, TurnCancelled, TurnErrored}
	expected := []string{"streaming", "ended", "cancelled", "errored"}
	for i, s := range statuses {
		if string(s) != expected[i] {
			t.Fatalf("expected %q, got %q", expected[i], s)
		}
	}
}

func TestActionableKindsIncludeSummary(t *testing.T) {
	found := false
	for _, k := range ActionableKinds {
		if k == KindChatSummary {
			found = true
		}
	}
	if !found {
		t.Fatal("summary should be an actionable kind")
	}
	if len(ActionableKinds) != 6 {
		t.Fatalf("expected 6 actionable kinds, got %d", len(ActionableKinds))
	}
}

func TestConsentConstants(t *testing.T) {
	consents := []Consent{ConsentNever, ConsentAsk, ConsentAlways}
	expected := []string{"never", "ask", "always"}
	for i, c := range consents {
		if string(c) != expected[i] {
			t.Fatalf("expected %q, got %q", expected[i], c)
		}
	}
}

func TestApplyStrategyConstants(t *testing.T) {
	strategies := []ApplyStrategy{StrategyInitial, StrategyActionableTags, StrategySamePayload}
	expected := []string{"initial", "retry-actionable-tags", "retry-same-payload"}
	for i, s := range strategies {
		if string(s) != expected[i] {
			t.Fatalf("expected %q, got %q", expected[i], s)
		}
	}
}
