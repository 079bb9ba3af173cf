// Package config loads orchestrator settings from code defaults, an optional
// YAML file, an optional .env file and CONDUIT_* environment variables, in
// that order, and builds a Transport and Orchestrator from them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/skosovsky/conduit"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONDUIT"

// Config holds everything needed to build an Orchestrator.
type Config struct {
	// Provider is one of "openai", "anthropic", "chat", "ollama", "deepseek", "gemini".
	Provider string `yaml:"provider" envconfig:"PROVIDER"`
	Model    string `yaml:"model" envconfig:"MODEL"`
	APIKey   string `yaml:"api_key" envconfig:"API_KEY"`
	BaseURL  string `yaml:"base_url" envconfig:"BASE_URL"`
	System   string `yaml:"system" envconfig:"SYSTEM"`

	Temperature *float64 `yaml:"temperature" envconfig:"TEMPERATURE"`
	MaxTokens   int      `yaml:"max_tokens" envconfig:"MAX_TOKENS"`

	MaxToolTurns   int           `yaml:"max_tool_turns" envconfig:"MAX_TOOL_TURNS"`
	MaxConcurrency int           `yaml:"max_concurrency" envconfig:"MAX_CONCURRENCY"`
	AutoFinalize   bool          `yaml:"auto_finalize" envconfig:"AUTO_FINALIZE"`
	Strict         bool          `yaml:"strict" envconfig:"STRICT"`
	ToolTimeout    time.Duration `yaml:"tool_timeout" envconfig:"TOOL_TIMEOUT"`
}

// Default returns the code defaults.
func Default() Config {
	return Config{
		Provider:       "openai",
		MaxToolTurns:   conduit.DefaultMaxToolTurns,
		MaxConcurrency: conduit.DefaultMaxConcurrency,
		AutoFinalize:   true,
		Strict:         true,
		ToolTimeout:    5 * time.Second,
	}
}

// Load reads the YAML file at path (skipped when empty), then .env from the
// working directory if present, then the environment.
func Load(path string) (*Config, error) {
	return LoadFiles(path, ".env")
}

// LoadFiles is Load with an explicit .env location. Missing files are skipped,
// except a non-empty path that does not exist.
func LoadFiles(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var keyless = map[string]bool{"chat": true, "ollama": true}

// Validate reports the first invalid setting as *conduit.ConfigurationError.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic", "deepseek", "gemini", "chat", "ollama":
	default:
		return &conduit.ConfigurationError{Reason: fmt.Sprintf("unknown provider %q", c.Provider)}
	}
	if c.APIKey == "" && !keyless[c.Provider] {
		return &conduit.ConfigurationError{Reason: c.Provider + " requires an API key"}
	}
	if c.Provider == "ollama" && c.Model == "" {
		return &conduit.ConfigurationError{Reason: "ollama requires a model"}
	}
	if c.MaxToolTurns < 0 {
		return &conduit.ConfigurationError{Reason: "max_tool_turns must not be negative"}
	}
	if c.MaxConcurrency < 1 {
		return &conduit.ConfigurationError{Reason: "max_concurrency must be at least 1"}
	}
	if c.ToolTimeout <= 0 {
		return &conduit.ConfigurationError{Reason: "tool_timeout must be positive"}
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return &conduit.ConfigurationError{Reason: fmt.Sprintf("temperature %v out of range [0, 2]", *c.Temperature)}
	}
	if c.MaxTokens < 0 {
		return &conduit.ConfigurationError{Reason: "max_tokens must not be negative"}
	}
	return nil
}

// Options converts the run settings into orchestrator options.
func (c *Config) Options() []conduit.Option {
	return []conduit.Option{
		conduit.WithMaxToolTurns(c.MaxToolTurns),
		conduit.WithToolConcurrency(c.MaxConcurrency),
		conduit.WithAutoFinalize(c.AutoFinalize),
		conduit.WithStrictOutput(c.Strict),
		conduit.WithSystem(c.System),
		conduit.WithRegistryOptions(conduit.WithDefaultTimeout(c.ToolTimeout)),
	}
}
