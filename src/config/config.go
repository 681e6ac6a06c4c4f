package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Abhi270303/RugLens/src/detection"
)

type RPCConfig struct {
	URL    string `json:"url" yaml:"url"`
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

type FetchConfig struct {
	RateLimit float64 `json:"rateLimit" yaml:"rateLimit"`
	Burst     int     `json:"burst" yaml:"burst"`
	CacheSize int     `json:"cacheSize" yaml:"cacheSize"`
	Timeout   string  `json:"timeout" yaml:"timeout"`
	// Traces enables debug_traceTransaction lookups; many public nodes refuse them.
	Traces bool `json:"traces" yaml:"traces"`
}

// SignatureConfig is an extra catalog entry appended after the built-in rules.
type SignatureConfig struct {
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	Severity string `json:"severity" yaml:"severity"`
	Reason   string `json:"reason" yaml:"reason"`
}

type Config struct {
	RPC         []RPCConfig       `json:"rpc" yaml:"rpc"`
	Listen      string            `json:"listen" yaml:"listen"`
	Metrics     string            `json:"metrics" yaml:"metrics"`
	Output      string            `json:"output" yaml:"output"`
	Log         string            `json:"log" yaml:"log"`
	LogLevel    string            `json:"logLevel" yaml:"logLevel"`
	LogFormat   string            `json:"logFormat" yaml:"logFormat"`
	Concurrency int               `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Fetch       FetchConfig       `json:"fetch" yaml:"fetch"`
	CORSOrigins []string          `json:"corsOrigins" yaml:"corsOrigins"`
	Signatures  []SignatureConfig `json:"signatures" yaml:"signatures"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Metrics == "" {
		cfg.Metrics = ":2112"
	}
	if cfg.Output == "" {
		cfg.Output = "ruglens-events.jsonl"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "terminal"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.Fetch.RateLimit <= 0 {
		cfg.Fetch.RateLimit = 10
	}
	if cfg.Fetch.Burst <= 0 {
		cfg.Fetch.Burst = 5
	}
	if cfg.Fetch.CacheSize <= 0 {
		cfg.Fetch.CacheSize = 1024
	}
	if cfg.Fetch.Timeout == "" {
		cfg.Fetch.Timeout = "15s"
	}
}

// Load reads a JSON config, or YAML when the file ends in .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config open error: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config decode error: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config decode error: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate checks fields every mode depends on. RPC endpoints are checked
// separately by RequireRPC since the API can run without a node.
func Validate(cfg *Config) error {
	if _, err := time.ParseDuration(cfg.Fetch.Timeout); err != nil {
		return fmt.Errorf("invalid fetch.timeout: %s", cfg.Fetch.Timeout)
	}
	switch cfg.LogFormat {
	case "terminal", "json":
	default:
		return fmt.Errorf("invalid logFormat: %s", cfg.LogFormat)
	}
	if _, err := cfg.Catalog(); err != nil {
		return fmt.Errorf("invalid signatures: %w", err)
	}
	return nil
}

// RequireRPC reports whether at least one usable endpoint is configured.
func RequireRPC(cfg *Config) error {
	if len(cfg.RPC) == 0 {
		return fmt.Errorf("rpc list required in config")
	}
	for _, r := range cfg.RPC {
		if r.URL != "" {
			return nil
		}
	}
	return fmt.Errorf("at least one valid RPC URL is required")
}

// RPCURLs returns the configured endpoints with API keys applied.
func (c *Config) RPCURLs() []string {
	var urls []string
	for _, r := range c.RPC {
		if r.URL == "" {
			continue
		}
		urls = append(urls, BuildRPCURL(r.URL, r.APIKey))
	}
	return urls
}

func (c *Config) FetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Fetch.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// Catalog returns the built-in catalog extended with the configured signatures.
func (c *Config) Catalog() (*detection.Catalog, error) {
	base := detection.DefaultCatalog()
	if len(c.Signatures) == 0 {
		return base, nil
	}
	extra := make([]detection.Signature, 0, len(c.Signatures))
	for _, s := range c.Signatures {
		category, err := detection.ParseCategory(s.Category)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		severity, err := detection.ParseSeverity(s.Severity)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		extra = append(extra, detection.Signature{
			Name:     s.Name,
			Category: category,
			Pattern:  s.Pattern,
			Severity: severity,
			Reason:   s.Reason,
		})
	}
	return base.Extend(extra...)
}

func BuildRPCURL(base, key string) string {
	if key == "" {
		return base
	}
	if strings.HasPrefix(key, "?") || strings.HasSuffix(base, "/") {
		return base + key
	}
	return base + "/" + key
}
