package config

import (
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/devicecache"
	"github.com/dmitrijs2005/purchasesync/internal/client/dispatcher"
)

// Config holds runtime settings for the purchases CLI.
//
// Fields:
//   - APIKey / BackendURL: public key and base URL of the subscriber backend.
//   - DatabasePath: SQLite file holding the device cache.
//   - AppUserID: user to configure with; empty keeps the cached or anonymous one.
//   - VerificationMode / RootKeys: signature checking and the pinned base64
//     ed25519 root keys.
//   - CacheSecret: seals cached values at rest when set.
//   - ForegroundTTL / BackgroundTTL / MappingTTL: device cache staleness.
//   - RequestTimeout ... RequestsPerSecond: dispatcher retry and pacing.
type Config struct {
	APIKey            string        `env:"API_KEY"`
	BackendURL        string        `env:"BACKEND_URL"`
	DatabasePath      string        `env:"DATABASE_PATH"`
	AppUserID         string        `env:"APP_USER_ID"`
	VerificationMode  string        `env:"VERIFICATION_MODE"`
	RootKeys          []string      `env:"ROOT_KEYS" envSeparator:","`
	CacheSecret       string        `env:"CACHE_SECRET"`
	ForegroundTTL     time.Duration `env:"FOREGROUND_TTL"`
	BackgroundTTL     time.Duration `env:"BACKGROUND_TTL"`
	MappingTTL        time.Duration `env:"MAPPING_TTL"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS"`
	ShortJitter       time.Duration `env:"SHORT_JITTER"`
	LongJitter        time.Duration `env:"LONG_JITTER"`
	LongJitterAfter   int           `env:"LONG_JITTER_AFTER"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND"`
	LogLevel          string        `env:"LOG_LEVEL"`
	LogFormat         string        `env:"LOG_FORMAT"`
}

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PURCHASES_"

// LoadDefaults populates c with defaults matching the library defaults.
func (c *Config) LoadDefaults() {
	d := dispatcher.DefaultConfig()

	c.APIKey = ""
	c.BackendURL = "http://127.0.0.1:8080"
	c.DatabasePath = "purchases.db"
	c.AppUserID = ""
	c.VerificationMode = "disabled"
	c.RootKeys = nil
	c.CacheSecret = ""
	c.ForegroundTTL = devicecache.DefaultForegroundTTL
	c.BackgroundTTL = devicecache.DefaultBackgroundTTL
	c.MappingTTL = devicecache.DefaultMappingTTL
	c.RequestTimeout = d.RequestTimeout
	c.MaxAttempts = d.MaxAttempts
	c.ShortJitter = d.ShortJitter
	c.LongJitter = d.LongJitter
	c.LongJitterAfter = d.LongJitterAfter
	c.RequestsPerSecond = 0
	c.LogLevel = "warn"
	c.LogFormat = "text"
}

// Dispatcher converts the retry settings.
func (c *Config) Dispatcher() dispatcher.Config {
	d := dispatcher.DefaultConfig()
	d.MaxAttempts = c.MaxAttempts
	d.ShortJitter = c.ShortJitter
	d.LongJitter = c.LongJitter
	d.LongJitterAfter = c.LongJitterAfter
	d.RequestTimeout = c.RequestTimeout
	d.RequestsPerSecond = c.RequestsPerSecond
	return d
}

// DeviceCache converts the cache settings.
func (c *Config) DeviceCache() devicecache.Config {
	return devicecache.Config{
		ForegroundTTL: c.ForegroundTTL,
		BackgroundTTL: c.BackgroundTTL,
		MappingTTL:    c.MappingTTL,
	}
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present), the environment and command-line flags. Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
