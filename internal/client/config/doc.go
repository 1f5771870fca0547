// Package config loads runtime configuration for the purchases CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. PURCHASES_* environment variables.
//  4. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
// Durations use timex.Duration, so values can be either strings like "5m"
// or integer nanoseconds:
//
//	{
//	  "api_key": "appl_123",
//	  "backend_url": "https://api.example.com",
//	  "verification_mode": "enforced",
//	  "root_keys": ["base64..."],
//	  "foreground_ttl": "5m",
//	  "max_attempts": 4
//	}
package config
