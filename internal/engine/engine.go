// Package engine executes the complete directives of a model response
// against a project checkout, in first-seen order, under a consent policy.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/blazehq/blaze/internal/actions"
	"github.com/blazehq/blaze/internal/git"
	"github.com/blazehq/blaze/internal/tags"
	"github.com/blazehq/blaze/model"
)

// ConsentFunc resolves an "ask" consent at dispatch time. It receives the
// action name and a human-readable preview and returns whether to proceed.
type ConsentFunc func(actionName, preview string) bool

// Engine applies parsed directives to one project checkout.
type Engine struct {
	repo    *git.Repo
	policy  *actions.Policy
	consent ConsentFunc

	// FallbackSummary is the commit message used when the response carried
	// no chat-summary directive.
	FallbackSummary string
}

// New creates an Engine. A nil consent func denies every "ask".
func New(repo *git.Repo, policy *actions.Policy, consent ConsentFunc) *Engine {
	return &Engine{repo: repo, policy: policy, consent: consent, FallbackSummary: "Apply model changes"}
}

// Apply parses rawText, executes every complete directive in order, and
// commits the staged result. Execution short-circuits on the first
// action-level failure but still reports the paths applied before it.
// Cancellation is observed between directives, never mid-action.
func (e *Engine) Apply(ctx context.Context, rawText string) model.ApplyResult {
	var result model.ApplyResult

	var ds []*model.Directive
	for _, d := range tags.Parse(rawText) {
		if d.Complete {
			ds = append(ds, d)
		}
	}

	declared := make(map[string]bool)
	env := &actions.Env{ProjectDir: e.repo.Dir(), Git: e.repo}

apply:
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			result.Error = fmt.Sprintf("apply cancelled before %s directive", d.Kind)
			break
		}

		action, ok := actions.For(d.Kind)
		if !ok {
			result.Error = fmt.Sprintf("no action registered for directive kind %q", d.Kind)
			break
		}
		if err := action.Validate(d); err != nil {
			result.Error = fmt.Sprintf("invalid %s directive: %v", action.Name, err)
			break
		}

		if action.ModifiesState {
			switch e.policy.Resolve(action) {
			case model.ConsentNever:
				result.Error = fmt.Sprintf("consent policy forbids %s: %s", action.Name, action.Preview(d))
				break apply
			case model.ConsentAsk:
				if e.consent == nil || !e.consent(action.Name, action.Preview(d)) {
					result.Error = fmt.Sprintf("consent denied for %s: %s", action.Name, action.Preview(d))
					break apply
				}
			}
		}

		res, err := action.Execute(ctx, env, d)
		if err != nil {
			result.Error = err.Error()
			break
		}
		if res.Warning != "" {
			log.Printf("apply warning: %s", res.Warning)
		}
		for _, p := range res.Paths {
			declared[p] = true
			result.AppliedPaths = append(result.AppliedPaths, p)
			result.UpdatedFiles = true
		}
		result.AddedPackages = append(result.AddedPackages, res.Packages...)
		if res.Summary != "" {
			result.Summary = res.Summary
		}
	}

	// Paths a failed or skipped directive declared still count as declared
	// for extra-file detection.
	for _, d := range ds {
		for _, p := range []string{d.Path, d.From, d.To} {
			if p != "" {
				declared[p] = true
			}
		}
	}

	if changed, err := e.repo.ChangedPaths(ctx); err != nil {
		result.ExtraFilesError = err.Error()
	} else {
		for _, p := range changed {
			if !declared[p] {
				result.ExtraFiles = append(result.ExtraFiles, p)
			}
		}
	}

	if result.Error != "" {
		return result
	}

	if result.UpdatedFiles {
		message := result.Summary
		if message == "" {
			message = e.FallbackSummary
		}
		if _, err := e.repo.Commit(ctx, message); err != nil {
			result.Error = err.Error()
		}
	}
	return result
}
