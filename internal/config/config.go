// Package config provides configuration management for Blaze.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blazehq/blaze/model"
)

// Config holds all configuration for the Blaze server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// ProjectRoot is the directory under which chat project checkouts live.
	ProjectRoot string

	// AnthropicAPIKey authorizes the streaming model client.
	AnthropicAPIKey string
	// Model overrides the default Anthropic model name.
	Model string

	// Per-chat usage caps; zero means unlimited.
	RequestCap int64
	TokenCap   int64

	// AutoApprove resolves every "ask" consent in favor of executing. A
	// headless server has no one to ask; set it to false to deny instead.
	AutoApprove bool

	// ConsentOverrides maps an action name to an explicit consent level,
	// from BLAZE_CONSENT_<ACTION> (e.g. BLAZE_CONSENT_DELETE=never).
	ConsentOverrides map[string]model.Consent

	// GitHubToken enables post-turn pull request publication (optional).
	GitHubToken string
	// GitHubRepo is the "owner/name" target for pull requests.
	GitHubRepo string

	// Slack notifications (optional).
	SlackBotToken string
	SlackChannel  string
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("BLAZE_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:       envOr("BLAZE_ADDR", ":7080"),
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "blaze.db"),
		ProjectRoot:      envOr("BLAZE_PROJECT_ROOT", filepath.Join(dataDir, "projects")),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		Model:            os.Getenv("BLAZE_MODEL"),
		RequestCap:       envOrInt64("BLAZE_REQUEST_CAP", 0),
		TokenCap:         envOrInt64("BLAZE_TOKEN_CAP", 0),
		AutoApprove:      envOrBool("BLAZE_AUTO_APPROVE", true),
		ConsentOverrides: consentOverridesFromEnv(),
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
		GitHubRepo:       os.Getenv("BLAZE_GITHUB_REPO"),
		SlackBotToken:    os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:     os.Getenv("BLAZE_SLACK_CHANNEL"),
	}
	if err := os.MkdirAll(cfg.ProjectRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating project root: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return nil
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// GitHubEnabled returns true if pull request publication is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != "" && c.GitHubRepo != ""
}

// consentOverridesFromEnv reads BLAZE_CONSENT_<ACTION> variables. Action
// names with a dash use an underscore in the variable name
// (BLAZE_CONSENT_SEARCH_REPLACE).
func consentOverridesFromEnv() map[string]model.Consent {
	overrides := make(map[string]model.Consent)
	const prefix = "BLAZE_CONSENT_"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		action := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, prefix)), "_", "-")
		switch c := model.Consent(strings.ToLower(value)); c {
		case model.ConsentNever, model.ConsentAsk, model.ConsentAlways:
			overrides[action] = c
		}
	}
	return overrides
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blaze"
	}
	return filepath.Join(home, ".blaze")
}
