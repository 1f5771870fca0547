package config

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/devicecache"
	"github.com/dmitrijs2005/purchasesync/internal/client/dispatcher"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()
	assert.Equal(t, "disabled", c.VerificationMode)
	assert.Equal(t, "purchases.db", c.DatabasePath)
	assert.Equal(t, devicecache.DefaultForegroundTTL, c.ForegroundTTL)
	assert.Equal(t, dispatcher.DefaultConfig().MaxAttempts, c.MaxAttempts)
	assert.Nil(t, c.RootKeys)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"api_key":      "from-json",
		"backend_url":  "http://json",
		"app_user_id":  "json-user",
		"max_attempts": 2,
	})
	t.Setenv("PURCHASES_BACKEND_URL", "http://env")
	t.Setenv("PURCHASES_ROOT_KEYS", "k1,k2")
	t.Setenv("PURCHASES_BACKGROUND_TTL", "2h")
	withArgs(t, "-c", path, "-u", "http://flag", "-t", "3", "whoami")

	got := LoadConfig()

	want := defaults()
	want.APIKey = "from-json"
	want.AppUserID = "json-user"
	want.MaxAttempts = 2
	want.BackendURL = "http://flag"
	want.RootKeys = []string{"k1", "k2"}
	want.BackgroundTTL = 2 * time.Hour
	want.RequestTimeout = 3 * time.Second

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_parseFlags(t *testing.T) {
	t.Run("root keys are split and trimmed", func(t *testing.T) {
		withArgs(t, "-r", " a , ,b", "-v", "informational", "-n", "5")
		c := defaults()
		parseFlags(c)
		assert.Equal(t, []string{"a", "b"}, c.RootKeys)
		assert.Equal(t, "informational", c.VerificationMode)
		assert.Equal(t, 5, c.MaxAttempts)
	})

	t.Run("unset timeout keeps sub-second value", func(t *testing.T) {
		withArgs(t, "login", "bob")
		c := defaults()
		c.RequestTimeout = 1500 * time.Millisecond
		parseFlags(c)
		assert.Equal(t, 1500*time.Millisecond, c.RequestTimeout)
	})

	t.Run("bad value panics", func(t *testing.T) {
		withArgs(t, "-n", "many")
		require.Panics(t, func() { parseFlags(defaults()) })
	})
}

func TestConfig_Converters(t *testing.T) {
	c := defaults()
	c.MaxAttempts = 9
	c.RequestsPerSecond = 3
	c.ForegroundTTL = time.Second

	d := c.Dispatcher()
	assert.Equal(t, 9, d.MaxAttempts)
	assert.Equal(t, 3.0, d.RequestsPerSecond)
	assert.Equal(t, dispatcher.DefaultConfig().BaseDelay, d.BaseDelay)

	assert.Equal(t, time.Second, c.DeviceCache().ForegroundTTL)
	assert.Equal(t, devicecache.DefaultMappingTTL, c.DeviceCache().MappingTTL)
}
