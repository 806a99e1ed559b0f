// Package config loads the voicebridge configuration from environment
// variables, an optional .env file and command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the full service configuration. Environment variables fill
// the defaults; flags override them.
type Config struct {
	// HTTPAddr is the listen address for the API server.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// AgentURL is the WebSocket URL of the conversational-AI endpoint.
	AgentURL string `env:"AGENT_URL" envDefault:"wss://localhost:9443/v1/convai"`
	// AgentAPIKey authenticates against the AI endpoint.
	AgentAPIKey string `env:"AGENT_API_KEY"`

	// ConnectAttempts bounds far-endpoint connection attempts.
	ConnectAttempts int `env:"CONNECT_ATTEMPTS" envDefault:"3"`
	// ConnectDelay is the fixed delay between connection attempts.
	ConnectDelay time.Duration `env:"CONNECT_DELAY" envDefault:"1s"`
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"15s"`
	// NearWaitTimeout bounds the wait for the telephony media stream.
	NearWaitTimeout time.Duration `env:"NEAR_WAIT_TIMEOUT" envDefault:"30s"`

	// ReapInterval is the background session scan period.
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"15s"`
	// EstablishTimeout bounds how long a session may stay unestablished.
	EstablishTimeout time.Duration `env:"ESTABLISH_TIMEOUT" envDefault:"2m"`
	// MaxCallDuration bounds total call length; 0 disables the limit.
	MaxCallDuration time.Duration `env:"MAX_CALL_DURATION" envDefault:"1h"`
}

// Load builds the configuration: .env file (honoring ENV_FILE), then
// environment variables, then flags.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "API listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.AgentURL, "agent", cfg.AgentURL, "Conversational-AI WebSocket URL")
	flag.DurationVar(&cfg.NearWaitTimeout, "near-wait", cfg.NearWaitTimeout, "Wait for the telephony media stream")
	flag.DurationVar(&cfg.MaxCallDuration, "max-call", cfg.MaxCallDuration, "Maximum call duration (0 disables)")
	flag.Parse()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile loads ENV_FILE when set, otherwise .env when present.
// A missing file is not an error.
func loadEnvFile() {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		_ = godotenv.Load()
		return
	}
	_ = godotenv.Load(envfile)
}

func (c *Config) validate() error {
	if c.AgentURL == "" {
		return fmt.Errorf("agent URL must not be empty")
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.NearWaitTimeout <= 0 {
		return fmt.Errorf("near wait timeout must be positive, got %v", c.NearWaitTimeout)
	}
	return nil
}
