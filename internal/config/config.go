// Package config loads process configuration from INTERVIEWD_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the fully resolved process configuration.
type Config struct {
	ListenAddr string `env:"INTERVIEWD_LISTEN_ADDR" envDefault:":8080"`
	DataDir    string `env:"INTERVIEWD_DATA_DIR" envDefault:"interviewd-data"`
	APIToken   string `env:"INTERVIEWD_API_TOKEN"`

	OpenRouterAPIKey string `env:"INTERVIEWD_OPENROUTER_API_KEY"`
	Model            string `env:"INTERVIEWD_MODEL" envDefault:"anthropic/claude-3.5-sonnet"`
	Streaming        bool   `env:"INTERVIEWD_STREAMING" envDefault:"true"`

	// Dispatch selects the generation handoff: "direct" runs jobs on
	// goroutines, "queue" persists them to the durable job table.
	Dispatch          string        `env:"INTERVIEWD_DISPATCH" envDefault:"queue"`
	MaxJobAttempts    int           `env:"INTERVIEWD_MAX_JOB_ATTEMPTS" envDefault:"3"`
	PollInterval      time.Duration `env:"INTERVIEWD_POLL_INTERVAL" envDefault:"500ms"`
	GenerationTimeout time.Duration `env:"INTERVIEWD_GENERATION_TIMEOUT" envDefault:"5m"`
	StaleAfter        time.Duration `env:"INTERVIEWD_STALE_AFTER" envDefault:"2m"`
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.APIToken == "" {
		return errors.New("INTERVIEWD_API_TOKEN is required")
	}
	if c.OpenRouterAPIKey == "" {
		return errors.New("INTERVIEWD_OPENROUTER_API_KEY is required")
	}
	if c.Dispatch != "direct" && c.Dispatch != "queue" {
		return fmt.Errorf("INTERVIEWD_DISPATCH must be \"direct\" or \"queue\", got %q", c.Dispatch)
	}
	if c.MaxJobAttempts <= 0 {
		return errors.New("INTERVIEWD_MAX_JOB_ATTEMPTS must be positive")
	}
	return nil
}
