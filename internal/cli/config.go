package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables read by LoadEffectiveConfig.
const EnvPrefix = "DEBUGZ"

// projectConfigNames are searched, in order, in each directory walked by
// FindProjectConfig.
var projectConfigNames = []string{".otlp-debugz.json", ".otlp-debugz.yaml", ".otlp-debugz.yml"}

// Config holds the runtime configuration of the diagnostics server.
// It can be populated from CLI flags, config files, the environment, or all
// of them.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	SpanBufferSize int `json:"span_buffer_size,omitempty" yaml:"span_buffer_size,omitempty"`

	// OTLP receiver
	OTLPHost string `json:"otlp_host,omitempty" yaml:"otlp_host,omitempty"`
	OTLPPort int    `json:"otlp_port,omitempty" yaml:"otlp_port,omitempty"`

	// Diagnostics HTTP server
	HTTPHost string `json:"http_host,omitempty" yaml:"http_host,omitempty"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port,omitempty"`

	// DiagnosticsEnabled turns on heap tracking and the memory endpoints.
	DiagnosticsEnabled bool `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	AllocDepth         int  `json:"alloc_depth,omitempty" yaml:"alloc_depth,omitempty"`

	// Host caches
	CacheTTL      string `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`           // e.g. "10m"
	SweepInterval string `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"` // e.g. "1m"

	// File sources
	SpanDirs   []string `json:"span_dirs,omitempty" yaml:"span_dirs,omitempty"`
	OtelConfig string   `json:"otel_config,omitempty" yaml:"otel_config,omitempty"`

	// MCP runs the MCP server on stdio alongside the HTTP server.
	MCP bool `json:"mcp,omitempty" yaml:"mcp,omitempty"`

	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// envConfig is the environment layer. Unset variables leave the file
// layers untouched.
type envConfig struct {
	Profile  *bool    `envconfig:"PROFILE"`
	HTTPHost string   `envconfig:"HTTP_HOST"`
	HTTPPort int      `envconfig:"HTTP_PORT"`
	OTLPHost string   `envconfig:"OTLP_HOST"`
	OTLPPort int      `envconfig:"OTLP_PORT"`
	CacheTTL string   `envconfig:"CACHE_TTL"`
	SpanDirs []string `envconfig:"SPAN_DIRS"`
	Verbose  bool     `envconfig:"VERBOSE"`
}

// DefaultConfig returns a Config with sensible default values:
// 10,000 buffered spans, localhost binding with an ephemeral OTLP port,
// the diagnostics HTTP server on 4381 and diagnostics disabled.
func DefaultConfig() *Config {
	return &Config{
		SpanBufferSize:     10_000,
		OTLPHost:           "127.0.0.1",
		OTLPPort:           0, // 0 means ephemeral port assignment
		HTTPHost:           "127.0.0.1",
		HTTPPort:           4381,
		DiagnosticsEnabled: false,
		AllocDepth:         10,
		CacheTTL:           "10m",
		SweepInterval:      "1m",
		Verbose:            false,
	}
}

// CacheTTLDuration parses CacheTTL.
func (c *Config) CacheTTLDuration() (time.Duration, error) {
	return parseDuration("cache_ttl", c.CacheTTL)
}

// SweepIntervalDuration parses SweepInterval.
func (c *Config) SweepIntervalDuration() (time.Duration, error) {
	return parseDuration("sweep_interval", c.SweepInterval)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return d, nil
}

// HTTPAddr returns the diagnostics server listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// LoadConfigFromFile loads configuration from a JSON or YAML file, chosen by
// extension. It returns an error if the file cannot be read or parsed.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// FindProjectConfig searches for a project config file.
// It starts in the current directory and walks up looking for the file,
// stopping when it finds a .git directory (project root) or reaches root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return findProjectConfigFrom(dir)
}

func findProjectConfigFrom(dir string) (string, error) {
	for {
		for _, name := range projectConfigNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}

		// Stop at the repo root even without a config
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file,
// ~/.config/otlp-debugz/config.json, or config.yaml when only that exists.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".config", "otlp-debugz")
	yamlPath := filepath.Join(dir, "config.yaml")
	jsonPath := filepath.Join(dir, "config.json")
	if _, err := os.Stat(jsonPath); err != nil {
		if _, err := os.Stat(yamlPath); err == nil {
			return yamlPath
		}
	}
	return jsonPath
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.SpanBufferSize > 0 {
		merged.SpanBufferSize = overlay.SpanBufferSize
	}

	if overlay.OTLPHost != "" {
		merged.OTLPHost = overlay.OTLPHost
	}
	if overlay.OTLPPort != 0 {
		merged.OTLPPort = overlay.OTLPPort
	}
	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}

	if overlay.DiagnosticsEnabled {
		merged.DiagnosticsEnabled = true
	}
	if overlay.AllocDepth > 0 {
		merged.AllocDepth = overlay.AllocDepth
	}

	if overlay.CacheTTL != "" {
		merged.CacheTTL = overlay.CacheTTL
	}
	if overlay.SweepInterval != "" {
		merged.SweepInterval = overlay.SweepInterval
	}

	if len(overlay.SpanDirs) > 0 {
		merged.SpanDirs = append([]string(nil), overlay.SpanDirs...)
	}
	if overlay.OtelConfig != "" {
		merged.OtelConfig = overlay.OtelConfig
	}

	if overlay.MCP {
		merged.MCP = true
	}
	if overlay.Verbose {
		merged.Verbose = true
	}

	return &merged
}

// applyEnv overlays DEBUGZ_* environment variables onto config.
// DEBUGZ_PROFILE is the only way to switch diagnostics off again after a
// file enabled them.
func applyEnv(config *Config) (*Config, error) {
	var env envConfig
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	merged := MergeConfigs(config, &Config{
		HTTPHost: env.HTTPHost,
		HTTPPort: env.HTTPPort,
		OTLPHost: env.OTLPHost,
		OTLPPort: env.OTLPPort,
		CacheTTL: env.CacheTTL,
		SpanDirs: env.SpanDirs,
		Verbose:  env.Verbose,
	})
	if env.Profile != nil {
		merged.DiagnosticsEnabled = *env.Profile
	}
	return merged, nil
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file (if exists and no explicit path)
// 4. Explicit config file (if specified via configPath)
// 5. DEBUGZ_* environment variables
// Later sources override earlier ones. CLI flags are applied by the caller.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Global config is optional; errors are ignored
	if globalPath := GlobalConfigPath(); globalPath != "" {
		if globalCfg, err := LoadConfigFromFile(globalPath); err == nil {
			config = MergeConfigs(config, globalCfg)
		}
	}

	if configPath == "" {
		if projectPath, err := FindProjectConfig(); err == nil {
			projectCfg, err := LoadConfigFromFile(projectPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
			config = MergeConfigs(config, projectCfg)
		}
	} else {
		explicitCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = MergeConfigs(config, explicitCfg)
	}

	return applyEnv(config)
}
