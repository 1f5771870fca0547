package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devserver.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })
	os.Args = append([]string{"testbin"}, args...)
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()
	assert.Equal(t, ":8080", c.ListenAddr)
	assert.Empty(t, c.APIKey)
	assert.Empty(t, c.RootSeed)
	assert.Equal(t, 7*24*time.Hour, c.IntermediateKeyValidity)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
}

func TestLoadConfig_NoSourcesKeepsDefaults(t *testing.T) {
	withArgs(t)
	assert.Empty(t, cmp.Diff(defaults(), LoadConfig()))
}

func TestParseJson_PartialFileKeepsOtherValues(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"listen_addr":               "127.0.0.1:9999",
		"intermediate_key_validity": "48h",
	})
	withArgs(t, "-config", path)

	cfg := defaults()
	parseJson(cfg)

	want := defaults()
	want.ListenAddr = "127.0.0.1:9999"
	want.IntermediateKeyValidity = 48 * time.Hour
	assert.Empty(t, cmp.Diff(want, cfg))
}

func TestParseJson_InvalidPanics(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{ nope`), 0o600))
	withArgs(t, "-c", bad)
	require.Panics(t, func() { parseJson(defaults()) })
}

func TestParseEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"API_KEY", "pk_env")
	t.Setenv(EnvPrefix+"INTERMEDIATE_KEY_VALIDITY", "90m")

	cfg := defaults()
	parseEnv(cfg)
	assert.Equal(t, "pk_env", cfg.APIKey)
	assert.Equal(t, 90*time.Minute, cfg.IntermediateKeyValidity)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestParseEnv_MalformedPanics(t *testing.T) {
	t.Setenv(EnvPrefix+"INTERMEDIATE_KEY_VALIDITY", "soon")
	require.Panics(t, func() { parseEnv(defaults()) })
}

func TestParseFlags(t *testing.T) {
	withArgs(t, "-a", ":9000", "-k", "pk_flag", "-s", "ab", "-t", "2", "-m", "map.json", "-l", "debug", "-f", "text", "-x", "ignored")

	cfg := defaults()
	require.NotPanics(t, func() { parseFlags(cfg) })

	want := &Config{
		ListenAddr:              ":9000",
		APIKey:                  "pk_flag",
		RootSeed:                "ab",
		IntermediateKeyValidity: 2 * time.Hour,
		MappingFile:             "map.json",
		LogLevel:                "debug",
		LogFormat:               "text",
	}
	assert.Empty(t, cmp.Diff(want, cfg))
}

func TestParseFlags_UnsetValidityIsNotTruncated(t *testing.T) {
	withArgs(t, "-a", ":9000")
	cfg := defaults()
	cfg.IntermediateKeyValidity = 90 * time.Minute
	parseFlags(cfg)
	assert.Equal(t, 90*time.Minute, cfg.IntermediateKeyValidity)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeTempJSON(t, map[string]any{"api_key": "pk_json", "log_level": "warn", "listen_addr": ":1"})
	t.Setenv(EnvPrefix+"API_KEY", "pk_env")
	t.Setenv(EnvPrefix+"LISTEN_ADDR", ":2")
	withArgs(t, "-c", path, "-a", ":3")

	cfg := LoadConfig()
	assert.Equal(t, ":3", cfg.ListenAddr)
	assert.Equal(t, "pk_env", cfg.APIKey)
	assert.Equal(t, "warn", cfg.LogLevel)
}
