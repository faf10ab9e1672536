package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cloudpico-node/internal/app"
	"cloudpico-node/internal/config"
	"cloudpico-node/internal/logging"
)

var (
	// Set via ldflags.
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const appName = "cloudpico-node"

// cfg is loaded once by the root command before any subcommand runs.
var cfg config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Field sensor node with durable store-and-forward delivery",
	Long: `cloudpico-node samples environmental and motion data on a fixed
interval and publishes each reading to an MQTT broker. Readings that cannot
be delivered are kept in a persistent ring queue and drained in order once
the broker is reachable again.

Configuration comes from environment variables and an optional YAML
provisioning file (NODE_PROVISION_FILE).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		cfg = loaded
		slog.SetDefault(logging.New(cfg, version, appName))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("starting",
			"app", appName,
			"version", version,
			"env", cfg.AppEnv,
			"log_level", cfg.LogLevel.String(),
		)

		err := app.Run(cmd.Context(), cfg)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run failed", "err", err)
			return err
		}

		slog.Info("shutting down")
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"%s version %s\nCommit: %s\nBuilt: %s\n",
		appName, version, commit, buildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
}
