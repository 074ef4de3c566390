// Package commands implements the courier CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/config"
)

var (
	cfgPath  string
	dryRun   bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Deliver text to on-screen endpoints through a single automation device",
	Long: `courier serializes text deliveries to several on-screen endpoints that
share one mouse and keyboard. Requests are queued by priority, retried with
backoff and guarded by a per-endpoint circuit breaker.

Run "courier serve" for the long-lived process with scheduled broadcasts,
or use send/broadcast for one-shot deliveries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the printer helpers.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !isPrinted(err) {
		printError(err)
	}
	return err
}

func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	pf.BoolVar(&dryRun, "dry-run", false, "record device actions instead of driving the screen")
	pf.StringVar(&logLevel, "log-level", "", "override logging.level")
}

func appOptions() app.Options {
	return app.Options{DryRun: dryRun, LogLevel: logLevel}
}

func loadConfig() (*config.Config, error) {
	return config.NewConfigManager(cfgPath).Load()
}

// signalContext is canceled on SIGINT or SIGTERM. reason reports which one.
func signalContext() (ctx context.Context, reason func() app.StopReason, stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	got := make(chan app.StopReason, 1)
	go func() {
		select {
		case s := <-sigs:
			if s == syscall.SIGTERM {
				got <- app.StopSIGTERM
			} else {
				got <- app.StopSIGINT
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	reason = func() app.StopReason {
		select {
		case r := <-got:
			got <- r
			return r
		default:
			return app.StopAppStop
		}
	}
	stop = func() {
		signal.Stop(sigs)
		cancel()
	}
	return ctx, reason, stop
}
