package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/purchasesync/internal/flagx"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations accept "168h" as well
// as integer nanoseconds.
type JsonConfig struct {
	ListenAddr              *string         `json:"listen_addr"`
	APIKey                  *string         `json:"api_key"`
	RootSeed                *string         `json:"root_seed"`
	IntermediateKeyValidity *timex.Duration `json:"intermediate_key_validity"`
	MappingFile             *string         `json:"mapping_file"`
	LogLevel                *string         `json:"log_level"`
	LogFormat               *string         `json:"log_format"`
}

// parseJson loads the file named by -c/-config, if any. Keys missing from the
// file keep their current values. An unreadable or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.ListenAddr, c.ListenAddr)
	setString(&config.APIKey, c.APIKey)
	setString(&config.RootSeed, c.RootSeed)
	if c.IntermediateKeyValidity != nil {
		config.IntermediateKeyValidity = c.IntermediateKeyValidity.Duration
	}
	setString(&config.MappingFile, c.MappingFile)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
