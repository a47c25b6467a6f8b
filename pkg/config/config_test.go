package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/kernel/pkg/config"
)

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "kerneld.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	t.Setenv("KERNELD_NODE_TOKEN_SECRET", "test-secret")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != config.DefaultBind {
		t.Fatalf("expected default bind, got %q", cfg.Bind)
	}
	if !cfg.EnableMetrics {
		t.Fatalf("expected metrics enabled by default")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	t.Setenv("KERNELD_NODE_TOKEN_SECRET", "test-secret")
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "bind: 0.0.0.0:9000\ndata_dir: "+dir+"\nenable_metrics: false\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "0.0.0.0:9000" {
		t.Fatalf("expected yaml bind to win, got %q", cfg.Bind)
	}
	if cfg.EnableMetrics {
		t.Fatalf("expected yaml to disable metrics")
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "bind: 0.0.0.0:9000\n")
	t.Setenv("KERNELD_BIND", "127.0.0.1:9999")
	t.Setenv("KERNELD_NODE_TOKEN_SECRET", "from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "127.0.0.1:9999" {
		t.Fatalf("expected env bind to win over yaml, got %q", cfg.Bind)
	}
	if cfg.NodeTokenSecret != "from-env" {
		t.Fatalf("expected env node token secret, got %q", cfg.NodeTokenSecret)
	}
}

func TestLoadRejectsMissingNodeTokenSecret(t *testing.T) {
	if _, err := config.Load(""); err == nil {
		t.Fatalf("expected Load to reject a missing node token secret")
	}
}

func TestLoadRejectsHalfSpecifiedTLS(t *testing.T) {
	t.Setenv("KERNELD_NODE_TOKEN_SECRET", "test-secret")
	t.Setenv("KERNELD_TLS_CERT_FILE", "/tmp/cert.pem")
	if _, err := config.Load(""); err == nil {
		t.Fatalf("expected Load to reject a TLS cert without a matching key")
	}
}

func TestResolveDataDirExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := config.DefaultConfig()
	cfg.DataDir = "~/kernel-data"

	dir, err := config.ResolveDataDir(cfg)
	if err != nil {
		t.Fatalf("ResolveDataDir: %v", err)
	}
	if dir != filepath.Join(home, "kernel-data") {
		t.Fatalf("expected expanded home dir, got %q", dir)
	}
}
