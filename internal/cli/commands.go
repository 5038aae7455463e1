package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/logging"
	"github.com/alexbotov/treasureplay/internal/mockbackend"
	"github.com/alexbotov/treasureplay/pkg/treasureplay"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var retries int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Run the backend handshake and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := opts.openBackend(cmd)
			if err != nil {
				return err
			}
			defer sdk.Close()

			if !sdk.Session().IsValid() && retries > 0 {
				sdk.RetryBackendInit(cmd.Context(), retries)
			}

			snap := sdk.Session()
			if !snap.IsValid() {
				return errors.New("no backend session")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\ntp_uid: %s\n", sdk.State(), snap.TpUID)
			return nil
		},
	}

	cmd.Flags().IntVar(&retries, "retries", 0, "Retry a failed handshake this many times")
	return cmd
}

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the reward balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := opts.openBackend(cmd)
			if err != nil {
				return err
			}
			defer sdk.Close()

			balance := sdk.CheckRewards(cmd.Context())
			if balance == treasureplay.RewardsFailed {
				return errors.New("balance check failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), balance)
			return nil
		},
	}
}

func newRedeemCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem [message]",
		Short: "Redeem the whole balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := opts.openBackend(cmd)
			if err != nil {
				return err
			}
			defer sdk.Close()

			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			balance := sdk.Redeem(cmd.Context(), message)
			if balance == treasureplay.RewardsFailed {
				return errors.New("redeem failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), balance)
			return nil
		},
	}
}

func newWebViewURLCmd(opts *rootOptions) *cobra.Command {
	var open bool

	cmd := &cobra.Command{
		Use:   "webview-url",
		Short: "Print the quest portal URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := opts.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer sdk.Close()

			url, err := sdk.QuestURL()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			if open {
				return sdk.ShowQuestWebView(false)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&open, "open", false, "Open the URL in the system browser")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled SDK events",
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := opts.openBackend(cmd)
			if err != nil {
				return err
			}
			defer sdk.Close()

			events, err := sdk.Events(cmd.Context(), &treasureplay.EventFilter{
				Type:  eventType,
				Limit: limit,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "Only show events of this type")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}

func newMockServerCmd() *cobra.Command {
	var (
		addr   string
		grants []string
	)
	cfg := mockbackend.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve an in-memory TreasurePlay backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewDefault("info")
			defer logger.Sync()
			cfg.Logger = logger.Component("mockbackend")
			cfg.Gatherer = prometheus.DefaultGatherer

			srv := mockbackend.New(cfg)
			for _, g := range grants {
				cuid, amount, err := parseGrant(g)
				if err != nil {
					return err
				}
				srv.Grant(mockbackend.TpUIDFor(cuid), amount)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("mock backend listening", zap.String("addr", addr))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key accepted by /init")
	cmd.Flags().StringVar(&cfg.CoinID, "coin-id", cfg.CoinID, "Coin id served by /token")
	cmd.Flags().StringArrayVar(&grants, "grant", nil, "Seed a balance as cuid=amount (repeatable)")
	return cmd
}

func parseGrant(s string) (string, int64, error) {
	cuid, amount, ok := strings.Cut(s, "=")
	if !ok || cuid == "" {
		return "", 0, fmt.Errorf("invalid grant %q: want cuid=amount", s)
	}
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid grant amount %q: %w", amount, err)
	}
	return cuid, n, nil
}
