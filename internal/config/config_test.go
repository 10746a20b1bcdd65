package config

import (
	"path/filepath"
	"testing"

	"github.com/blazehq/blaze/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BLAZE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":7080" {
		t.Fatalf("unexpected addr: %q", cfg.ServerAddr)
	}
	if filepath.Base(cfg.DatabasePath) != "blaze.db" {
		t.Fatalf("unexpected db path: %q", cfg.DatabasePath)
	}
	if !cfg.AutoApprove {
		t.Fatal("auto-approve should default on")
	}
	if cfg.SlackEnabled() || cfg.GitHubEnabled() {
		t.Fatal("integrations should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BLAZE_DATA_DIR", t.TempDir())
	t.Setenv("BLAZE_ADDR", ":9000")
	t.Setenv("BLAZE_TOKEN_CAP", "50000")
	t.Setenv("BLAZE_AUTO_APPROVE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":9000" || cfg.TokenCap != 50000 || cfg.AutoApprove {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestConsentOverridesFromEnv(t *testing.T) {
	t.Setenv("BLAZE_DATA_DIR", t.TempDir())
	t.Setenv("BLAZE_CONSENT_DELETE", "never")
	t.Setenv("BLAZE_CONSENT_SEARCH_REPLACE", "always")
	t.Setenv("BLAZE_CONSENT_WRITE", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConsentOverrides["delete"] != model.ConsentNever {
		t.Fatalf("delete override missing: %+v", cfg.ConsentOverrides)
	}
	if cfg.ConsentOverrides["search-replace"] != model.ConsentAlways {
		t.Fatalf("dashed action override missing: %+v", cfg.ConsentOverrides)
	}
	if _, ok := cfg.ConsentOverrides["write"]; ok {
		t.Fatal("invalid consent value must be ignored")
	}
}
