// Package github publishes finished turns as pull requests.
package github

import (
	"context"
	"fmt"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// Publisher opens pull requests for committed turns.
type Publisher struct {
	gh   *gogh.Client
	repo string // "owner/repo"
}

// NewPublisher creates a Publisher authenticated with the given token.
func NewPublisher(token, repo string) *Publisher {
	return &Publisher{
		gh:   gogh.NewClient(nil).WithAuthToken(token),
		repo: repo,
	}
}

// PROptions configures a new pull request.
type PROptions struct {
	Branch string // source branch
	Base   string // target branch; resolved to the repo default when empty
	Title  string
	Body   string
}

// CreatePR opens a pull request and returns its URL and number.
func (p *Publisher) CreatePR(ctx context.Context, opts PROptions) (string, int, error) {
	owner, repo, err := splitRepo(p.repo)
	if err != nil {
		return "", 0, err
	}

	base := opts.Base
	if base == "" {
		if base, err = p.defaultBranch(ctx, owner, repo); err != nil {
			return "", 0, err
		}
	}

	pr, _, err := p.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating pull request: %w", err)
	}

	return pr.GetHTMLURL(), pr.GetNumber(), nil
}

// TurnBody formats a PR body from a turn's outcome.
func TurnBody(summary string, appliedPaths []string) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if len(appliedPaths) > 0 {
		b.WriteString("Files changed:\n")
		for _, p := range appliedPaths {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	return strings.TrimSpace(b.String())
}

func (p *Publisher) defaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := p.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}
