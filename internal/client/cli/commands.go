package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/purchasesync/internal/client/customerinfo"
	"github.com/dmitrijs2005/purchasesync/internal/client/models"
)

// ErrUsage is returned for unknown subcommands and bad operands.
var ErrUsage = errors.New("usage")

// commands is the part of the sdk handle the subcommands need. The real
// *sdk.SDK satisfies it; tests provide a stub.
type commands interface {
	AppUserID() string
	IsAnonymous() bool
	CustomerInfo(ctx context.Context, policy customerinfo.FetchPolicy) (*models.CustomerInfo, error)
	LogIn(ctx context.Context, appUserID string) (*models.CustomerInfo, bool, error)
	LogOut(ctx context.Context) (*models.CustomerInfo, error)
	SetAttributes(ctx context.Context, values map[string]string) error
	SyncAttributes(ctx context.Context) error
	CacheKeys(ctx context.Context) ([]string, error)
}

var policies = []customerinfo.FetchPolicy{
	customerinfo.CachedOrFetched,
	customerinfo.FetchCurrent,
	customerinfo.NotStaleCachedOrFetched,
	customerinfo.FromCacheOnly,
}

const usage = "commands: whoami, customer-info [policy], login <app-user-id>, logout, set-attributes key=value..., sync-attributes, cache-keys"

func parsePolicy(s string) (customerinfo.FetchPolicy, error) {
	for _, p := range policies {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown fetch policy %q", ErrUsage, s)
}

// run executes one subcommand. args[0] is the subcommand name.
func run(ctx context.Context, c commands, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s", ErrUsage, usage)
	}
	cmd, operands := args[0], args[1:]

	switch cmd {
	case "help":
		_, err := fmt.Fprintln(out, usage)
		return err

	case "whoami":
		kind := "identified"
		if c.IsAnonymous() {
			kind = "anonymous"
		}
		_, err := fmt.Fprintf(out, "%s (%s)\n", c.AppUserID(), kind)
		return err

	case "customer-info":
		policy := customerinfo.CachedOrFetched
		if len(operands) > 0 {
			var err error
			if policy, err = parsePolicy(operands[0]); err != nil {
				return err
			}
		}
		info, err := c.CustomerInfo(ctx, policy)
		if err != nil {
			return err
		}
		return printJSON(out, info)

	case "login":
		if len(operands) != 1 {
			return fmt.Errorf("%w: login <app-user-id>", ErrUsage)
		}
		info, created, err := c.LogIn(ctx, operands[0])
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "logged in as %s (created: %t)\n", c.AppUserID(), created); err != nil {
			return err
		}
		return printJSON(out, info)

	case "logout":
		info, err := c.LogOut(ctx)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "logged out, now %s\n", c.AppUserID()); err != nil {
			return err
		}
		return printJSON(out, info)

	case "set-attributes":
		values, err := parseAttributes(operands)
		if err != nil {
			return err
		}
		if err := c.SetAttributes(ctx, values); err != nil {
			return err
		}
		return c.SyncAttributes(ctx)

	case "sync-attributes":
		return c.SyncAttributes(ctx)

	case "cache-keys":
		keys, err := c.CacheKeys(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, strings.Join(keys, "\n"))
		return err

	default:
		return fmt.Errorf("%w: unknown command %q; %s", ErrUsage, cmd, usage)
	}
}

func parseAttributes(operands []string) (map[string]string, error) {
	if len(operands) == 0 {
		return nil, fmt.Errorf("%w: set-attributes key=value...", ErrUsage)
	}
	values := make(map[string]string, len(operands))
	for _, o := range operands {
		k, v, ok := strings.Cut(o, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: attribute %q is not key=value", ErrUsage, o)
		}
		values[k] = v
	}
	return values, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
