// Command loyaltyctl runs the engine's batch operations against the same
// store and rules as the server: expiry sweep, delivery drain, full
// re-evaluation, welcome-grant audit, approvals and archive import.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/oasis-spa/loyalty-engine/app"
	"github.com/oasis-spa/loyalty-engine/config"
	"github.com/oasis-spa/loyalty-engine/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagDB       string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "loyaltyctl",
	Short: "Operate the spa loyalty engine",
	Long: `loyaltyctl runs one-shot operations against the loyalty store.
It loads the same config file and environment as the server, so tier width,
milestones, cooldown and channels match what the server enforces.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "loyalty.yaml", "YAML config path")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides config)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp loads config, builds the engine and runs fn. The app is closed afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDB != "" {
		cfg.Server.DBPath = flagDB
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	// Batch runs log to stderr in console form; stdout carries the result.
	log, err := observability.NewLogger(cfg.Log.Level, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn("close backend", zap.Error(cerr))
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
