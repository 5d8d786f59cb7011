// Package config holds lobuilder's application settings. These are distinct
// from the evaluation rule document, which lives in internal/rules and is
// edited at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the per-workspace directory holding config and data.
const DirName = ".lobuilder"

// Config holds all lobuilder configuration.
type Config struct {
	// Rule document locations
	Rules RulesConfig `yaml:"rules"`

	// Text-generation service
	LLM LLMConfig `yaml:"llm"`

	// SQLite history store
	Store StoreConfig `yaml:"store"`

	// HTTP API
	Server ServerConfig `yaml:"server"`

	// Offline rewrite tester
	Tester TesterConfig `yaml:"tester"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RulesConfig locates the rule document.
type RulesConfig struct {
	Path        string `yaml:"path"`
	DefaultPath string `yaml:"default_path"` // empty = embedded default
	Watch       bool   `yaml:"watch"`        // reload on external edits
}

// LLMConfig configures the text-generation client.
type LLMConfig struct {
	APIKeyEnv string `yaml:"api_key_env"` // read when the rule document's API_key is "environ"
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
}

// StoreConfig configures the history database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	Disabled     bool   `yaml:"disabled"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	RequestTimeout string `yaml:"request_timeout"`
}

// TesterConfig configures the rewrite tester.
type TesterConfig struct {
	SampleFraction float64 `yaml:"sample_fraction"`
	Seed           uint64  `yaml:"seed"`
	CreditPoints   int     `yaml:"credit_points"`
	RequestDelay   string  `yaml:"request_delay"`
	MaxAttempts    int     `yaml:"max_attempts"`
	RetryDelay     string  `yaml:"retry_delay"`
	Concurrency    int     `yaml:"concurrency"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Rules: RulesConfig{
			Path:  filepath.Join(DirName, "rules.json"),
			Watch: true,
		},

		LLM: LLMConfig{
			APIKeyEnv: "GOOGLE_API_KEY",
			Timeout:   "120s",
		},

		Store: StoreConfig{
			DatabasePath: filepath.Join(DirName, "history.db"),
		},

		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			RequestTimeout: "180s",
		},

		Tester: TesterConfig{
			SampleFraction: 0.2,
			Seed:           42,
			CreditPoints:   6,
			RequestDelay:   "2s",
			MaxAttempts:    3,
			RetryDelay:     "60s",
			Concurrency:    1,
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("LOBUILDER_RULES"); path != "" {
		c.Rules.Path = path
	}
	if path := os.Getenv("LOBUILDER_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if addr := os.Getenv("LOBUILDER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("LOBUILDER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Rules.Path == "" {
		return fmt.Errorf("rules.path must be set")
	}
	if c.Tester.SampleFraction <= 0 || c.Tester.SampleFraction > 1 {
		return fmt.Errorf("tester.sample_fraction must be in (0, 1], got %v", c.Tester.SampleFraction)
	}
	if c.Tester.MaxAttempts < 1 {
		return fmt.Errorf("tester.max_attempts must be at least 1, got %d", c.Tester.MaxAttempts)
	}
	if c.Tester.Concurrency < 1 {
		return fmt.Errorf("tester.concurrency must be at least 1, got %d", c.Tester.Concurrency)
	}
	for name, v := range map[string]string{
		"llm.timeout":            c.LLM.Timeout,
		"server.request_timeout": c.Server.RequestTimeout,
		"tester.request_delay":   c.Tester.RequestDelay,
		"tester.retry_delay":     c.Tester.RetryDelay,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the per-call generation timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetRequestTimeout returns the HTTP API request timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 180*time.Second)
}

// GetRequestDelay returns the tester's pause after each model call.
func (c *Config) GetRequestDelay() time.Duration {
	return parseDuration(c.Tester.RequestDelay, 2*time.Second)
}

// GetRetryDelay returns the tester's backoff between retries.
func (c *Config) GetRetryDelay() time.Duration {
	return parseDuration(c.Tester.RetryDelay, 60*time.Second)
}

// ============================================================================
// Workspace discovery
// ============================================================================

// FindWorkspaceRoot walks up from the working directory to the nearest
// directory containing .lobuilder or go.mod. It falls back to the working
// directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, DirName)); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}

// DefaultConfigPath returns <workspace>/.lobuilder/config.yaml.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(DirName, "config.yaml")
	}
	return filepath.Join(root, DirName, "config.yaml")
}

// ResolvePaths makes relative rule and database paths relative to root.
func (c *Config) ResolvePaths(root string) {
	abs := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.Rules.Path = abs(c.Rules.Path)
	c.Rules.DefaultPath = abs(c.Rules.DefaultPath)
	c.Store.DatabasePath = abs(c.Store.DatabasePath)
}
