// Package git runs local version-control operations against a project
// checkout by shelling out to the git CLI.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repo is a handle on one project checkout.
type Repo struct {
	dir string
}

// Open returns a handle for the checkout at dir.
func Open(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the checkout directory.
func (r *Repo) Dir() string { return r.dir }

// EnsureInit initializes a repository at the checkout if one does not exist.
func (r *Repo) EnsureInit(ctx context.Context) error {
	if _, err := r.run(ctx, "rev-parse", "--git-dir"); err == nil {
		return nil
	}
	_, err := r.run(ctx, "init")
	return err
}

// Add stages a path (including a deletion or rename destination).
func (r *Repo) Add(ctx context.Context, path string) error {
	_, err := r.run(ctx, "add", "-A", "--", path)
	return err
}

// Remove unstages a path that no longer exists in the working tree. Callers
// treat failures as best-effort.
func (r *Repo) Remove(ctx context.Context, path string) error {
	_, err := r.run(ctx, "rm", "-r", "--cached", "--ignore-unmatch", "--", path)
	return err
}

// Commit records staged changes with the given message and returns the new
// commit hash. When nothing is staged it returns ("", nil).
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	staged := false
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 0 && line[0] != ' ' && line[0] != '?' {
			staged = true
			break
		}
	}
	if !staged {
		return "", nil
	}
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err = r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedPaths lists every path with staged or unstaged changes.
func (r *Repo) ChangedPaths(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames show as "old -> new"; the destination is the live path.
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		paths = append(paths, strings.Trim(p, `"`))
	}
	return paths, nil
}

// Push publishes a branch to origin.
func (r *Repo) Push(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "push", "-u", "origin", branch)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// run executes one git command in the checkout. The combined output is folded
// into the error so callers can classify failures (e.g. index.lock
// contention) from the message alone.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
