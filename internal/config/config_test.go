package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Default()
	if cfg.APIPort == 0 || cfg.DatabaseURL == "" {
		t.Fatal("defaults missing core values")
	}
	if cfg.RateLimitRequests != 2 || cfg.RateLimitWindow != time.Second {
		t.Fatalf("rate limit defaults %d/%s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.PagesPerLease <= 0 || cfg.MaxRetries <= 0 {
		t.Fatal("worker defaults missing")
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("api_port: 9999\nmax_workers: 7\nfeeds: [demo, nivoda]\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 9999 || cfg.MaxWorkers != 7 {
		t.Fatalf("yaml values not applied: port=%d workers=%d", cfg.APIPort, cfg.MaxWorkers)
	}
	if len(cfg.Feeds) != 2 || cfg.Feeds[1] != "nivoda" {
		t.Fatalf("feeds %v", cfg.Feeds)
	}
	// Untouched keys keep their defaults.
	if cfg.CacheSize != 1024 {
		t.Fatalf("cache size %d, want default 1024", cfg.CacheSize)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("RATE_LIMIT_WINDOW", "2s")
	t.Setenv("VISIBILITY_TIMEOUT", "90") // bare integer means seconds

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 7070 {
		t.Fatalf("port %d, want 7070", cfg.APIPort)
	}
	if cfg.RateLimitWindow != 2*time.Second {
		t.Fatalf("window %s, want 2s", cfg.RateLimitWindow)
	}
	if cfg.VisibilityTimeout != 90*time.Second {
		t.Fatalf("visibility %s, want 90s", cfg.VisibilityTimeout)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRoleEnabled(t *testing.T) {
	cfg := Default()
	if !cfg.RoleEnabled("worker") {
		t.Fatal("empty roles must enable everything")
	}
	cfg.Roles = []string{"api", " Worker "}
	if !cfg.RoleEnabled("worker") || !cfg.RoleEnabled("api") {
		t.Fatal("listed roles not enabled")
	}
	if cfg.RoleEnabled("monitor") {
		t.Fatal("unlisted role enabled")
	}
}
