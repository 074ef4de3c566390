package commands

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"courier/internal/app"
	logx "courier/pkg/logx"
)

var stopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator, scheduled broadcasts and config hot reload",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, reason, stop := signalContext()
	defer stop()

	a, err := app.NewApp(cfgPath, appOptions())
	if err != nil {
		return failed(err)
	}
	if err := a.Start(ctx, true); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return failed(err)
	}
	log := a.Logger()
	notify(log, daemon.SdNotifyReady)

	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go watchdog(wdCtx, log)

	r := app.StopAppStop
	select {
	case <-ctx.Done():
		r = reason()
	case <-a.Done():
		r = app.StopFatalError
	}
	fatal := a.Err()

	notify(log, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, r)

	if r == app.StopFatalError && fatal != nil {
		return failed(fatal)
	}
	return nil
}

func notify(log logx.Logger, state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
