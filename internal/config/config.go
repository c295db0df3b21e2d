// Package config loads and validates webeval configuration from
// webeval.yaml with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all webeval configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Page cache
	Cache CacheConfig `yaml:"cache"`

	// Browser automation
	Browser BrowserConfig `yaml:"browser"`

	// LLM used for agent driving and scoring
	LLM LLMConfig `yaml:"llm"`

	// Evaluation run settings
	Eval EvalConfig `yaml:"eval"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig configures the on-disk page cache.
type CacheConfig struct {
	Root string `yaml:"root"`
	TTL  string `yaml:"ttl"` // duration string, default 24h
}

// TTLDuration parses the TTL, defaulting to 24h.
func (c CacheConfig) TTLDuration() time.Duration {
	if c.TTL == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// BrowserConfig configures the browser session layer.
type BrowserConfig struct {
	DebuggerURL         string   `yaml:"debugger_url"`
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless"`
	ViewportWidth       int      `yaml:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// LLMConfig configures the LLM client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Embedding model for fuzzy answer matching
	EmbeddingModel string `yaml:"embedding_model"`
}

// TimeoutDuration parses the client timeout, defaulting to 2m.
func (c LLMConfig) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// EvalConfig configures an evaluation run.
type EvalConfig struct {
	// Domains the agent may visit; empty means allow all
	AllowedDomains []string `yaml:"allowed_domains"`

	// Extra blocked URL globs merged into the built-in tracker set
	BlockedPatterns []string `yaml:"blocked_patterns"`

	// Task definitions file
	TaskFile string `yaml:"task_file"`

	// SQLite results database
	ResultsDB string `yaml:"results_db"`

	// Max concurrently running tasks
	Parallelism int `yaml:"parallelism"`

	// Max agent steps per task
	MaxSteps int `yaml:"max_steps"`

	// Wall-clock budget for the whole run
	Deadline string `yaml:"deadline"`
}

// DeadlineDuration parses the run budget, defaulting to 30m.
func (c EvalConfig) DeadlineDuration() time.Duration {
	if c.Deadline == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Deadline)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the baseline configuration rooted at workspace.
func Default(workspace string) *Config {
	return &Config{
		Name:    "webeval",
		Version: "0.1.0",
		Cache: CacheConfig{
			Root: filepath.Join(workspace, "cache"),
			TTL:  "24h",
		},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
		},
		LLM: LLMConfig{
			Provider:       "gemini",
			Model:          "gemini-3-flash-preview",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Timeout:        "2m",
			EmbeddingModel: "gemini-embedding-001",
		},
		Eval: EvalConfig{
			ResultsDB:   filepath.Join(workspace, "results.db"),
			Parallelism: 2,
			MaxSteps:    15,
			Deadline:    "30m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads webeval.yaml from the workspace, falling back to defaults when
// the file is absent, and applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	path := filepath.Join(workspace, "webeval.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for settings
// that vary per machine or must stay out of version control.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if root := os.Getenv("WEBEVAL_CACHE_ROOT"); root != "" {
		c.Cache.Root = root
	}
	if ttl := os.Getenv("WEBEVAL_CACHE_TTL"); ttl != "" {
		c.Cache.TTL = ttl
	}
	if url := os.Getenv("WEBEVAL_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if db := os.Getenv("WEBEVAL_RESULTS_DB"); db != "" {
		c.Eval.ResultsDB = db
	}
	if domains := os.Getenv("WEBEVAL_ALLOWED_DOMAINS"); domains != "" {
		c.Eval.AllowedDomains = splitAndTrim(domains)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	if _, err := time.ParseDuration(c.Cache.TTL); c.Cache.TTL != "" && err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	if c.Eval.Parallelism < 0 {
		return fmt.Errorf("eval.parallelism must be >= 0")
	}
	return nil
}

// Save writes the config back to the workspace.
func (c *Config) Save(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(workspace, "webeval.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
