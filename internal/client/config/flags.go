package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/flagx"
)

// ValueFlags lists the flags that consume the following argument. The CLI
// uses it to separate subcommand words from flag values.
var ValueFlags = []string{"-c", "-config", "-k", "-u", "-d", "-i", "-v", "-r", "-s", "-t", "-n", "-l", "-f"}

// parseFlags populates Config fields from command-line flags.
//
//	-k string   API key
//	-u string   backend base URL
//	-d string   device cache database path
//	-i string   app user id to configure with
//	-v string   verification mode: disabled, informational or enforced
//	-r string   comma separated base64 root public keys
//	-s string   cache sealing secret
//	-t int      per-attempt request timeout in seconds
//	-n int      maximum attempts per request
//	-l string   log level
//	-f string   log format: text or json
//
// Only the flags above are considered; other arguments are left for the
// subcommand.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-k", "-u", "-d", "-i", "-v", "-r", "-s", "-t", "-n", "-l", "-f"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.APIKey, "k", cfg.APIKey, "API key")
	fs.StringVar(&cfg.BackendURL, "u", cfg.BackendURL, "backend base URL")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "device cache database path")
	fs.StringVar(&cfg.AppUserID, "i", cfg.AppUserID, "app user id")
	fs.StringVar(&cfg.VerificationMode, "v", cfg.VerificationMode, "verification mode")
	rootKeys := fs.String("r", strings.Join(cfg.RootKeys, ","), "comma separated root public keys")
	fs.StringVar(&cfg.CacheSecret, "s", cfg.CacheSecret, "cache sealing secret")
	timeout := fs.Int("t", int(cfg.RequestTimeout.Seconds()), "request timeout (in seconds)")
	fs.IntVar(&cfg.MaxAttempts, "n", cfg.MaxAttempts, "maximum attempts per request")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "f", cfg.LogFormat, "log format")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "r":
			cfg.RootKeys = splitKeys(*rootKeys)
		case "t":
			cfg.RequestTimeout = time.Duration(*timeout) * time.Second
		}
	})
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
