package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on cfg.
//
// Only fields tagged with `env:"..."` are touched, and only when the variable
// is set, so values from the config file survive an empty environment.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := env.Parse(&cfg.Orchestrator); err != nil {
		return fmt.Errorf("orchestrator env: %w", err)
	}
	if err := env.Parse(&cfg.Deployment); err != nil {
		return fmt.Errorf("deployment env: %w", err)
	}
	if err := env.Parse(&cfg.Logging); err != nil {
		return fmt.Errorf("logging env: %w", err)
	}
	if cfg.Notifier != nil {
		if err := env.Parse(&cfg.Notifier.Telegram); err != nil {
			return fmt.Errorf("notifier env: %w", err)
		}
	}
	if cfg.Debug != nil {
		if err := env.Parse(cfg.Debug); err != nil {
			return fmt.Errorf("debug env: %w", err)
		}
	}
	return nil
}
