// Package config handles configuration for the development backend,
// including defaults, JSON overlay, environment and command-line flags.
package config

import "time"

// Config holds runtime settings for the development backend.
//
// Fields:
//   - ListenAddr: bind address of the HTTP endpoint.
//   - APIKey: key clients must send as a bearer token; empty accepts any.
//   - RootSeed: hex ed25519 seed of the root key. Empty generates a fresh key
//     on every start, which forces clients to re-pin.
//   - IntermediateKeyValidity: how long the signing key is certified for.
//   - MappingFile: JSON product entitlement mapping served to clients.
//   - LogLevel / LogFormat: slog level and "json" or "text".
type Config struct {
	ListenAddr              string        `env:"LISTEN_ADDR"`
	APIKey                  string        `env:"API_KEY"`
	RootSeed                string        `env:"ROOT_SEED"`
	IntermediateKeyValidity time.Duration `env:"INTERMEDIATE_KEY_VALIDITY"`
	MappingFile             string        `env:"MAPPING_FILE"`
	LogLevel                string        `env:"LOG_LEVEL"`
	LogFormat               string        `env:"LOG_FORMAT"`
}

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PURCHASES_DEVSERVER_"

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.ListenAddr = ":8080"
	c.APIKey = ""
	c.RootSeed = ""
	c.IntermediateKeyValidity = 7 * 24 * time.Hour
	c.MappingFile = ""
	c.LogLevel = "info"
	c.LogFormat = "json"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
