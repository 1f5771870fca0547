package config

import "github.com/caarlos0/env/v11"

// parseEnv overlays PURCHASES_* variables. Unset variables keep the current
// value; malformed ones panic.
func parseEnv(cfg *Config) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}
