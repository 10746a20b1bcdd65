// Package actions defines one executable action per directive kind: its
// consent requirement, validation, preview, and execution semantics against a
// project checkout.
package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blazehq/blaze/internal/tags"
	"github.com/blazehq/blaze/model"
)

// Registrar stages and unstages paths with version control. Remove failures
// are treated as best-effort by the actions that use them.
type Registrar interface {
	Add(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Env is the execution environment shared by all actions in one apply pass.
type Env struct {
	ProjectDir string
	Git        Registrar
}

// Result reports what a single action execution touched.
type Result struct {
	// Paths are project-relative paths the action mutated.
	Paths []string
	// Warning is a non-fatal note (e.g. deleting a file that is already gone).
	Warning string
	// Packages are dependency names declared by add-dependency.
	Packages []string
	// Summary carries the chat-summary text.
	Summary string
}

// Action is one entry in the catalog.
type Action struct {
	Name           string
	Description    string
	DefaultConsent model.Consent
	ModifiesState  bool
	Validate       func(d *model.Directive) error
	Preview        func(d *model.Directive) string
	Render         func(d *model.Directive) string
	Execute        func(ctx context.Context, env *Env, d *model.Directive) (*Result, error)
}

// For returns the catalog entry for a directive kind.
func For(kind model.DirectiveKind) (*Action, bool) {
	a, ok := catalog[kind]
	return a, ok
}

var catalog = map[model.DirectiveKind]*Action{
	model.KindWrite: {
		Name:           "write",
		Description:    "Create or overwrite a file",
		DefaultConsent: model.ConsentAsk,
		ModifiesState:  true,
		Validate: func(d *model.Directive) error {
			return requireFields(field{"path", d.Path})
		},
		Preview: func(d *model.Directive) string {
			return fmt.Sprintf("Write %d bytes to %s", len(d.Content), d.Path)
		},
		Render:  tags.Render,
		Execute: executeWrite,
	},
	model.KindDelete: {
		Name:           "delete",
		Description:    "Delete a file or directory",
		DefaultConsent: model.ConsentAsk,
		ModifiesState:  true,
		Validate: func(d *model.Directive) error {
			return requireFields(field{"path", d.Path})
		},
		Preview: func(d *model.Directive) string {
			return "Delete " + d.Path
		},
		Render:  tags.Render,
		Execute: executeDelete,
	},
	model.KindRename: {
		Name:           "rename",
		Description:    "Move a file to a new path",
		DefaultConsent: model.ConsentAsk,
		ModifiesState:  true,
		Validate: func(d *model.Directive) error {
			return requireFields(field{"from", d.From}, field{"to", d.To})
		},
		Preview: func(d *model.Directive) string {
			return fmt.Sprintf("Rename %s to %s", d.From, d.To)
		},
		Render:  tags.Render,
		Execute: executeRename,
	},
	model.KindSearchReplace: {
		Name:           "search-replace",
		Description:    "Replace an exact text block inside a file",
		DefaultConsent: model.ConsentAsk,
		ModifiesState:  true,
		Validate: func(d *model.Directive) error {
			if err := requireFields(field{"path", d.Path}); err != nil {
				return err
			}
			if d.Search == "" {
				return fmt.Errorf("search-replace directive is missing its search block")
			}
			return nil
		},
		Preview: func(d *model.Directive) string {
			return fmt.Sprintf("Edit %s (replace %d bytes with %d bytes)", d.Path, len(d.Search), len(d.Replace))
		},
		Render:  tags.Render,
		Execute: executeSearchReplace,
	},
	model.KindAddDependency: {
		Name:           "add-dependency",
		Description:    "Declare packages to add to the project",
		DefaultConsent: model.ConsentAsk,
		ModifiesState:  true,
		Validate: func(d *model.Directive) error {
			if len(d.Packages) == 0 {
				return fmt.Errorf("add-dependency directive names no packages")
			}
			return nil
		},
		Preview: func(d *model.Directive) string {
			return "Add dependencies: " + strings.Join(d.Packages, ", ")
		},
		Render: tags.Render,
		Execute: func(ctx context.Context, env *Env, d *model.Directive) (*Result, error) {
			// Installation mechanics belong to the caller; the action only
			// declares intent.
			return &Result{Packages: d.Packages}, nil
		},
	},
	model.KindChatSummary: {
		Name:           "summary",
		Description:    "Set the human-readable summary for the turn",
		DefaultConsent: model.ConsentAlways,
		ModifiesState:  false,
		Validate: func(d *model.Directive) error {
			return nil
		},
		Preview: func(d *model.Directive) string {
			return "Summary: " + d.Content
		},
		Render: tags.Render,
		Execute: func(ctx context.Context, env *Env, d *model.Directive) (*Result, error) {
			return &Result{Summary: strings.TrimSpace(d.Content)}, nil
		},
	},
}

func executeWrite(ctx context.Context, env *Env, d *model.Directive) (*Result, error) {
	abs, err := resolvePath(env.ProjectDir, d.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory for %s: %w", d.Path, err)
	}
	if err := atomicWrite(abs, []byte(d.Content)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", d.Path, err)
	}
	if err := env.Git.Add(ctx, d.Path); err != nil {
		return nil, fmt.Errorf("staging %s: %w", d.Path, err)
	}
	return &Result{Paths: []string{d.Path}}, nil
}

func executeDelete(ctx context.Context, env *Env, d *model.Directive) (*Result, error) {
	abs, err := resolvePath(env.ProjectDir, d.Path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Lstat(abs); os.IsNotExist(statErr) {
		return &Result{Warning: fmt.Sprintf("delete: %s does not exist, nothing to do", d.Path)}, nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return nil, fmt.Errorf("deleting %s: %w", d.Path, err)
	}
	res := &Result{Paths: []string{d.Path}}
	if err := env.Git.Remove(ctx, d.Path); err != nil {
		// Unstaging is best-effort; the file is gone either way.
		res.Warning = fmt.Sprintf("delete: could not unstage %s: %v", d.Path, err)
	}
	return res, nil
}

func executeRename(ctx context.Context, env *Env, d *model.Directive) (*Result, error) {
	from, err := resolvePath(env.ProjectDir, d.From)
	if err != nil {
		return nil, err
	}
	to, err := resolvePath(env.ProjectDir, d.To)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Lstat(from); os.IsNotExist(statErr) {
		return &Result{Warning: fmt.Sprintf("rename: %s does not exist, nothing to do", d.From)}, nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory for %s: %w", d.To, err)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, fmt.Errorf("renaming %s to %s: %w", d.From, d.To, err)
	}
	res := &Result{Paths: []string{d.From, d.To}}
	if err := env.Git.Add(ctx, d.To); err != nil {
		return nil, fmt.Errorf("staging %s: %w", d.To, err)
	}
	if err := env.Git.Remove(ctx, d.From); err != nil {
		res.Warning = fmt.Sprintf("rename: could not unstage %s: %v", d.From, err)
	}
	return res, nil
}

func executeSearchReplace(ctx context.Context, env *Env, d *model.Directive) (*Result, error) {
	abs, err := resolvePath(env.ProjectDir, d.Path)
	if err != nil {
		return nil, err
	}
	original, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", d.Path, err)
	}
	merged, err := Merge(string(original), d.Search, d.Replace, d.Path)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(abs, []byte(merged)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", d.Path, err)
	}
	if err := env.Git.Add(ctx, d.Path); err != nil {
		return nil, fmt.Errorf("staging %s: %w", d.Path, err)
	}
	return &Result{Paths: []string{d.Path}}, nil
}

// atomicWrite writes content to a sibling temp file and renames it into
// place, so no partially-written file is ever observable at path.
func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blaze-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// resolvePath joins a project-relative path and rejects escapes out of the
// project directory.
func resolvePath(projectDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	abs := filepath.Join(projectDir, filepath.FromSlash(rel))
	root := filepath.Clean(projectDir)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the project directory: %s", rel)
	}
	return abs, nil
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("missing required attribute %q", f.name)
		}
	}
	return nil
}

// Policy resolves the effective consent for an action: a per-name override
// when one is set, the action's default otherwise. It is passed into the
// engine explicitly rather than living as package state, and Reset gives
// tests a clean slate.
type Policy struct {
	mu        sync.Mutex
	overrides map[string]model.Consent
}

// NewPolicy creates an empty override table.
func NewPolicy() *Policy {
	return &Policy{overrides: make(map[string]model.Consent)}
}

// Set installs an override for an action name; it persists until changed.
func (p *Policy) Set(actionName string, c model.Consent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[actionName] = c
}

// Reset drops all overrides.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides = make(map[string]model.Consent)
}

// Resolve returns the effective consent for an action.
func (p *Policy) Resolve(a *Action) model.Consent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.overrides[a.Name]; ok {
		return c
	}
	return a.DefaultConsent
}
