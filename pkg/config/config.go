// Package config resolves cmd/kerneld's server-level configuration: bind
// address, TLS, and the node-auth signing secret. Domain settings (policy
// path, ledger directory, RFSN_* break-glass flags) are resolved directly
// by pkg/kernel.ConfigFromEnv; this package only owns what a deployment
// operator configures about the HTTP/WS listener itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBind     = "127.0.0.1:8743"
	DefaultDataDir  = "./data"
	DefaultLogLevel = "info"
)

// Config is cmd/kerneld's listener configuration, loaded from an optional
// YAML file and overlaid with KERNELD_* environment variables.
type Config struct {
	Bind            string `yaml:"bind"`
	DataDir         string `yaml:"data_dir"`
	TLSCertFile     string `yaml:"tls_cert_file"`
	TLSKeyFile      string `yaml:"tls_key_file"`
	NodeTokenSecret string `yaml:"node_token_secret"`
	LogLevel        string `yaml:"log_level"`
	EnableMetrics   bool   `yaml:"enable_metrics"`
}

// DefaultConfig returns the zero-deployment defaults: metrics on, plaintext
// HTTP on loopback, no node token secret (Validate rejects that combination
// so a fresh checkout fails loudly instead of booting unauthenticated).
func DefaultConfig() *Config {
	return &Config{
		Bind:          DefaultBind,
		DataDir:       DefaultDataDir,
		LogLevel:      DefaultLogLevel,
		EnableMetrics: true,
	}
}

// Load reads path (if it exists; a missing path is not an error) as YAML
// over DefaultConfig, applies KERNELD_* environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("KERNELD_BIND")); v != "" {
		cfg.Bind = v
	}
	if v := strings.TrimSpace(os.Getenv("KERNELD_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("KERNELD_TLS_CERT_FILE")); v != "" {
		cfg.TLSCertFile = v
	}
	if v := strings.TrimSpace(os.Getenv("KERNELD_TLS_KEY_FILE")); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := strings.TrimSpace(os.Getenv("KERNELD_NODE_TOKEN_SECRET")); v != "" {
		cfg.NodeTokenSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("KERNELD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("KERNELD_ENABLE_METRICS")); v != "" {
		cfg.EnableMetrics = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects configurations that would boot a kernel an operator did
// not actually intend to expose: an empty bind address, a node-auth secret
// left unset, or a half-specified TLS pair.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bind) == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	if c.NodeTokenSecret == "" {
		return fmt.Errorf("node_token_secret must be set (KERNELD_NODE_TOKEN_SECRET)")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must both be set or both empty")
	}
	return nil
}

// ResolveDataDir returns an absolute path for c.DataDir, expanding a
// leading ~ the way an operator's shell would.
func ResolveDataDir(c *Config) (string, error) {
	dir := expandHomeDir(strings.TrimSpace(c.DataDir))
	if dir == "" {
		dir = DefaultDataDir
	}
	return filepath.Abs(dir)
}
