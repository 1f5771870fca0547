package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/flagx"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer fields
// tell absent keys from zero values; durations accept "5m" or nanoseconds.
type JsonConfig struct {
	APIKey            *string         `json:"api_key"`
	BackendURL        *string         `json:"backend_url"`
	DatabasePath      *string         `json:"database_path"`
	AppUserID         *string         `json:"app_user_id"`
	VerificationMode  *string         `json:"verification_mode"`
	RootKeys          []string        `json:"root_keys"`
	CacheSecret       *string         `json:"cache_secret"`
	ForegroundTTL     *timex.Duration `json:"foreground_ttl"`
	BackgroundTTL     *timex.Duration `json:"background_ttl"`
	MappingTTL        *timex.Duration `json:"mapping_ttl"`
	RequestTimeout    *timex.Duration `json:"request_timeout"`
	MaxAttempts       *int            `json:"max_attempts"`
	ShortJitter       *timex.Duration `json:"short_jitter"`
	LongJitter        *timex.Duration `json:"long_jitter"`
	LongJitterAfter   *int            `json:"long_jitter_after"`
	RequestsPerSecond *float64        `json:"requests_per_second"`
	LogLevel          *string         `json:"log_level"`
	LogFormat         *string         `json:"log_format"`
}

// parseJson overlays Config with the file given by -c or -config. Nothing is
// loaded when neither flag is present. Read or decode errors panic.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	set(&cfg.APIKey, jc.APIKey)
	set(&cfg.BackendURL, jc.BackendURL)
	set(&cfg.DatabasePath, jc.DatabasePath)
	set(&cfg.AppUserID, jc.AppUserID)
	set(&cfg.VerificationMode, jc.VerificationMode)
	if jc.RootKeys != nil {
		cfg.RootKeys = jc.RootKeys
	}
	set(&cfg.CacheSecret, jc.CacheSecret)
	setDuration(&cfg.ForegroundTTL, jc.ForegroundTTL)
	setDuration(&cfg.BackgroundTTL, jc.BackgroundTTL)
	setDuration(&cfg.MappingTTL, jc.MappingTTL)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	set(&cfg.MaxAttempts, jc.MaxAttempts)
	setDuration(&cfg.ShortJitter, jc.ShortJitter)
	setDuration(&cfg.LongJitter, jc.LongJitter)
	set(&cfg.LongJitterAfter, jc.LongJitterAfter)
	set(&cfg.RequestsPerSecond, jc.RequestsPerSecond)
	set(&cfg.LogLevel, jc.LogLevel)
	set(&cfg.LogFormat, jc.LogFormat)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
