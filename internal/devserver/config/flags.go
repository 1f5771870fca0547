package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/flagx"
)

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-k string   API key clients must present
//	-s string   hex ed25519 root key seed
//	-t int      intermediate key validity, hours
//	-m string   product entitlement mapping JSON file
//	-l string   log level
//	-f string   log format, json or text
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-k", "-s", "-t", "-m", "-l", "-f"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to listen on")
	fs.StringVar(&config.APIKey, "k", config.APIKey, "API key")
	fs.StringVar(&config.RootSeed, "s", config.RootSeed, "hex root key seed")

	validity := fs.Int("t", int(config.IntermediateKeyValidity.Hours()), "intermediate key validity (in hours)")

	fs.StringVar(&config.MappingFile, "m", config.MappingFile, "product entitlement mapping file")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.LogFormat, "f", config.LogFormat, "log format")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "t" {
			config.IntermediateKeyValidity = time.Duration(*validity) * time.Hour
		}
	})
}
