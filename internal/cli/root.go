// Package cli implements the treasureplay command line tool
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexbotov/treasureplay/internal/config"
	"github.com/alexbotov/treasureplay/internal/logging"
	"github.com/alexbotov/treasureplay/pkg/treasureplay"
)

type rootOptions struct {
	settingsPath  string
	logLevel      string
	cuid          string
	advertisingID string
	waitTimeout   time.Duration
}

// NewRootCmd builds the treasureplay command tree
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "treasureplay",
		Short:         "TreasurePlay reward SDK command line",
		Long:          "Initialize a TreasurePlay session, check and redeem rewards, and run a local mock backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.settingsPath, "settings", "", "Settings file (default $TREASUREPLAY_SETTINGS or ./treasureplay.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	flags.StringVar(&opts.cuid, "cuid", "", "Client user id")
	flags.StringVar(&opts.advertisingID, "advertising-id", "", "Advertising or install id")
	flags.DurationVar(&opts.waitTimeout, "wait", 30*time.Second, "How long to wait for the backend handshake")

	cmd.AddCommand(
		newInitCmd(opts),
		newBalanceCmd(opts),
		newRedeemCmd(opts),
		newWebViewURLCmd(opts),
		newEventsCmd(opts),
		newMockServerCmd(),
	)
	return cmd
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (o *rootOptions) loadSettings() (*config.Settings, error) {
	var (
		s   *config.Settings
		err error
	)
	if o.settingsPath != "" {
		s, err = config.Load(o.settingsPath)
	} else {
		s, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		s.LogLevel = o.logLevel
	}
	return s, nil
}

// open initializes an SDK for the identity given on the command line
func (o *rootOptions) open(ctx context.Context, backend bool) (*treasureplay.SDK, error) {
	identity, err := treasureplay.NewUserIdentity(o.cuid, o.advertisingID)
	if err != nil {
		return nil, fmt.Errorf("--cuid and --advertising-id are required: %w", err)
	}
	settings, err := o.loadSettings()
	if err != nil {
		return nil, err
	}

	logger := logging.NewDefault(settings.LogLevel)
	sdk := treasureplay.New(treasureplay.WithLogger(logger.Logger))
	if err := sdk.Initialize(ctx, identity, treasureplay.InitOptions{
		Settings:             settings,
		EnableBackendSession: backend,
	}); err != nil {
		sdk.Close()
		return nil, err
	}
	return sdk, nil
}

// openBackend initializes an SDK and waits for the handshake. A failed
// handshake is reported but a restored session can still be used.
func (o *rootOptions) openBackend(cmd *cobra.Command) (*treasureplay.SDK, error) {
	sdk, err := o.open(cmd.Context(), true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.waitTimeout)
	defer cancel()
	ok, err := sdk.WaitForBackend(ctx)
	if err != nil {
		sdk.Close()
		return nil, fmt.Errorf("backend handshake: %w", err)
	}
	if !ok {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: backend handshake failed")
	}
	return sdk, nil
}
