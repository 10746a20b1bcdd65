// Package model defines the core domain types shared across all Blaze packages.
// It has zero dependencies on other Blaze packages.
package model

import "time"

// DirectiveKind identifies one of the fixed directive tag kinds.
type DirectiveKind string

const (
	KindWrite         DirectiveKind = "write"
	KindDelete        DirectiveKind = "delete"
	KindRename        DirectiveKind = "rename"
	KindSearchReplace DirectiveKind = "search-replace"
	KindAddDependency DirectiveKind = "add-dependency"
	KindChatSummary   DirectiveKind = "summary"
)

// ActionableKinds lists the directive kinds that produce a filesystem/git
// mutation or a user-facing summary. Prose and unknown tags are not
// actionable.
var ActionableKinds = []DirectiveKind{
	KindWrite, KindDelete, KindRename, KindSearchReplace, KindAddDependency, KindChatSummary,
}

// Directive is one structured, tagged instruction embedded in model output.
// While Complete is false it is still accumulating; arguments only ever
// extend, never retract. Once Complete is true the directive is immutable.
type Directive struct {
	Kind        DirectiveKind `json:"kind"`
	Path        string        `json:"path,omitempty"`
	Description string        `json:"description,omitempty"`
	Content     string        `json:"content,omitempty"`
	Search      string        `json:"search,omitempty"`
	Replace     string        `json:"replace,omitempty"`
	From        string        `json:"from,omitempty"`
	To          string        `json:"to,omitempty"`
	Packages    []string      `json:"packages,omitempty"`
	Complete    bool          `json:"complete"`

	// ReplaceSeen distinguishes "replace not started yet" from "replace is
	// empty" for the conflict-marker rendering of a streaming
	// search-replace directive.
	ReplaceSeen bool `json:"-"`
}

// TurnStatus represents the lifecycle state of a stream turn.
type TurnStatus string

const (
	TurnStreaming TurnStatus = "streaming"
	TurnEnded     TurnStatus = "ended"
	TurnCancelled TurnStatus = "cancelled"
	TurnErrored   TurnStatus = "errored"
)

// ApplyStrategy names how an apply attempt built its payload.
type ApplyStrategy string

const (
	StrategyInitial        ApplyStrategy = "initial"
	StrategyActionableTags ApplyStrategy = "retry-actionable-tags"
	StrategySamePayload    ApplyStrategy = "retry-same-payload"
)

// ApplyResult is the outcome of one apply attempt.
type ApplyResult struct {
	UpdatedFiles    bool     `json:"updated_files"`
	Error           string   `json:"error,omitempty"`
	ExtraFiles      []string `json:"extra_files,omitempty"`
	ExtraFilesError string   `json:"extra_files_error,omitempty"`

	// AppliedPaths are the paths mutated before the first failure (or all
	// of them on success), in execution order.
	AppliedPaths []string `json:"applied_paths,omitempty"`
	// AddedPackages are dependencies declared by add-dependency directives.
	AddedPackages []string `json:"added_packages,omitempty"`
	// Summary is the chat-summary text, used as the commit message.
	Summary string `json:"summary,omitempty"`
}

// ApplyAttempt records one execution attempt against a candidate payload.
type ApplyAttempt struct {
	Strategy ApplyStrategy `json:"strategy"`
	Payload  string        `json:"-"`
	Result   ApplyResult   `json:"result"`
}

// Consent is the policy gating whether a state-mutating directive executes
// without explicit confirmation.
type Consent string

const (
	ConsentNever  Consent = "never"
	ConsentAsk    Consent = "ask"
	ConsentAlways Consent = "always"
)

// Chat is one conversation bound to a project checkout.
type Chat struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ProjectDir string    `json:"project_dir"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is a single message in a chat.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageMetric names what a usage record counts.
type UsageMetric string

const (
	MetricRequests UsageMetric = "requests"
	MetricTokens   UsageMetric = "tokens"
)

// UsageRecord is one billable increment attributed to a context (a chat ID).
type UsageRecord struct {
	ID        int64       `json:"id"`
	Context   string      `json:"context"`
	Metric    UsageMetric `json:"metric"`
	Value     int64       `json:"value"`
	CreatedAt time.Time   `json:"created_at"`
}

// AuditEvent records one observable action against a resource.
type AuditEvent struct {
	ID           int64     `json:"id"`
	Context      string    `json:"context"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
