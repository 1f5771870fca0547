package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/purchasesync/internal/client/config"
	"github.com/dmitrijs2005/purchasesync/internal/client/sdk"
	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/flagx"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
)

type App struct {
	config *config.Config
	sdk    *sdk.SDK
	out    io.Writer
	logger logging.Logger
}

// Options builds sdk options from c.
func Options(c *config.Config, logger logging.Logger) (sdk.Options, error) {
	mode, err := verification.ParseMode(c.VerificationMode)
	if err != nil {
		return sdk.Options{}, err
	}
	return sdk.Options{
		APIKey:           c.APIKey,
		AppUserID:        c.AppUserID,
		DatabasePath:     c.DatabasePath,
		BackendURL:       c.BackendURL,
		VerificationMode: mode,
		RootKeys:         c.RootKeys,
		CacheSecret:      c.CacheSecret,
		Cache:            c.DeviceCache(),
		Dispatcher:       c.Dispatcher(),
		Logger:           logger,
	}, nil
}

// NewApp opens the sdk handle described by c. Logs go to stderr so command
// output stays parseable.
func NewApp(ctx context.Context, c *config.Config, out io.Writer) (*App, error) {
	logger := logging.New(os.Stderr, c.LogFormat, c.LogLevel)

	opts, err := Options(c, logger)
	if err != nil {
		return nil, err
	}
	handle, err := sdk.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("configure sdk: %w", err)
	}
	return &App{config: c, sdk: handle, out: out, logger: logger}, nil
}

// Run executes the subcommand found in args, ignoring flags and their
// values, and closes the handle.
func (a *App) Run(ctx context.Context, args []string) error {
	defer func() {
		if err := a.sdk.Close(); err != nil {
			a.logger.Warn(ctx, "close sdk", "error", err)
		}
	}()
	return run(ctx, a.sdk, a.out, flagx.Positional(args, config.ValueFlags))
}
