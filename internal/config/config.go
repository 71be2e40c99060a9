// Package config loads the strand binary's configuration:
// defaults -> TOML file -> env vars (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Schemas  SchemasConfig  `toml:"schemas"`
	Engine   EngineConfig   `toml:"engine"`
	Observer ObserverConfig `toml:"observer"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

type SchemasConfig struct {
	Dir string `toml:"dir"`
}

type EngineConfig struct {
	FallbackAgent      string `toml:"fallback_agent"`
	MomentThreshold    int    `toml:"moment_threshold"`
	TurnTimeoutSeconds int    `toml:"turn_timeout_seconds"`
	TokenBudget        int    `toml:"token_budget"`
	RoutingMaxTurns    int    `toml:"routing_max_turns"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "strand.db"},
		Schemas:  SchemasConfig{Dir: "agents"},
		Engine: EngineConfig{
			FallbackAgent:      "general",
			MomentThreshold:    12,
			TurnTimeoutSeconds: 120,
			RoutingMaxTurns:    10,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "strand.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STRAND_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("STRAND_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STRAND_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("STRAND_SCHEMAS_DIR"); v != "" {
		cfg.Schemas.Dir = v
	}
	if v := os.Getenv("STRAND_FALLBACK_AGENT"); v != "" {
		cfg.Engine.FallbackAgent = v
	}
	if os.Getenv("STRAND_OBSERVER_ENABLED") == "true" || os.Getenv("STRAND_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
