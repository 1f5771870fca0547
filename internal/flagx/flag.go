// Package flagx lets several loaders share os.Args without tripping over each
// other's flags: each loader picks out only the flags it owns.
package flagx

import (
	"flag"
	"os"
	"strings"
)

// scan walks args and reports, in order, every token that belongs to one of
// the known flags (onFlag) and every token that is neither a flag nor a flag
// value (onPositional).
//
// Both "-f value" and "-f=value" forms are recognised. A token right after a
// known flag is taken as its value unless it starts with "-".
func scan(args []string, known map[string]struct{}, onFlag, onPositional func(string)) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			if onPositional != nil {
				onPositional(arg)
			}
			continue
		}

		name, _, hasValue := strings.Cut(arg, "=")
		if _, ok := known[name]; !ok {
			// unknown flag: its value, if separate, cannot be told apart from
			// a positional argument, so the caller must list value flags
			continue
		}
		if onFlag != nil {
			onFlag(arg)
		}
		if hasValue {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			if onFlag != nil {
				onFlag(args[i])
			}
		}
	}
}

func toSet(flags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		set[f] = struct{}{}
	}
	return set
}

// FilterArgs returns the allowed flags of args together with their values,
// preserving order. The result is never nil.
func FilterArgs(args []string, allowedFlags []string) []string {
	filtered := make([]string, 0, len(args))
	scan(args, toSet(allowedFlags), func(s string) { filtered = append(filtered, s) }, nil)
	return filtered
}

// Positional returns the arguments that are neither flags nor values of the
// given value-taking flags, e.g. CLI subcommands and their operands.
func Positional(args []string, valueFlags []string) []string {
	out := make([]string, 0, len(args))
	scan(args, toSet(valueFlags), nil, func(s string) { out = append(out, s) })
	return out
}

// JsonConfigFlags returns the config file path given with -c or -config, or
// "" when neither is present. Other arguments are ignored.
func JsonConfigFlags() string {
	var config string
	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(FilterArgs(os.Args[1:], []string{"-c", "-config"}))
	return config
}
