package slack

import (
	"strings"
	"testing"

	"github.com/blazehq/blaze/model"
)

func TestSummaryLine(t *testing.T) {
	if got := summaryLine(model.ApplyResult{Summary: "Add landing page"}); got != "Add landing page" {
		t.Fatalf("summary preferred: %q", got)
	}

	got := summaryLine(model.ApplyResult{AppliedPaths: []string{"a.txt", "b.txt"}})
	if got != "a.txt, b.txt" {
		t.Fatalf("paths fallback: %q", got)
	}

	if got := summaryLine(model.ApplyResult{}); got != "no files changed" {
		t.Fatalf("empty fallback: %q", got)
	}

	long := summaryLine(model.ApplyResult{Summary: strings.Repeat("x", 500)})
	if len(long) > 120 {
		t.Fatalf("summary line not truncated: %d chars", len(long))
	}
}
