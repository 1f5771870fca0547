package config

import "github.com/caarlos0/env/v11"

// parseEnv overlays PURCHASES_DEVSERVER_* variables. Unset variables leave
// the current value alone; malformed ones panic like the other sources.
func parseEnv(config *Config) {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}
