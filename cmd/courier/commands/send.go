package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/dispatch"
	"courier/internal/protocol"
)

var (
	sendMode     string
	sendPriority int
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <endpoint> <text>",
	Short: "Deliver text to one endpoint",
	Long: `Deliver text to one endpoint and wait for the result.

Use "*" as the endpoint to broadcast to every configured endpoint.
Multi-line text is typed with soft newlines and confirmed once
(twice in high priority mode).`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	addDeliveryFlags(sendCmd, &sendMode, &sendPriority, &sendTimeout)
	rootCmd.AddCommand(sendCmd)
}

func addDeliveryFlags(cmd *cobra.Command, mode *string, priority *int, timeout *time.Duration) {
	f := cmd.Flags()
	f.StringVarP(mode, "mode", "m", "normal", "normal | high | onboarding")
	f.IntVarP(priority, "priority", "p", -1, "queue priority 0-9 (default depends on mode)")
	f.DurationVar(timeout, "timeout", 0, "give up after this long (0 waits for the configured request timeout)")
}

func deliveryOptions(priority int) []dispatch.SendOption {
	if priority < 0 {
		return nil
	}
	return []dispatch.SendOption{dispatch.WithPriority(priority)}
}

func runSend(cmd *cobra.Command, args []string) error {
	mode, err := protocol.ParseMode(sendMode)
	if err != nil {
		return failed(err)
	}
	target, text := strings.TrimSpace(args[0]), args[1]

	return withApp(sendTimeout, func(ctx context.Context, a *app.App) error {
		c := a.Coordinator()
		if target == "*" {
			rec, err := c.Broadcast(ctx, text, mode, nil, deliveryOptions(sendPriority)...)
			if err != nil {
				return err
			}
			printBroadcast(rec, c.Registry().IDs())
			return broadcastErr(rec)
		}
		// The error is carried by res.
		res, _ := c.Send(ctx, target, text, mode, deliveryOptions(sendPriority)...)
		printResult(res)
		return sendErr(res)
	})
}

func sendErr(res dispatch.DeliveryResult) error {
	if res.Success {
		return nil
	}
	return &printedError{err: fmt.Errorf("delivery to %s failed: %s", res.EndpointID, res.ErrorKind)}
}

// withApp starts the coordinator without the scheduler or config watch,
// runs fn and stops everything.
func withApp(timeout time.Duration, fn func(ctx context.Context, a *app.App) error) error {
	ctx, reason, stop := signalContext()
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a, err := app.NewApp(cfgPath, appOptions())
	if err != nil {
		return failed(err)
	}
	if err := a.Start(ctx, false); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return failed(err)
	}

	runErr := fn(ctx, a)

	r := app.StopCommandEnd
	if ctx.Err() != nil {
		r = reason()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, r)

	if runErr != nil && !isPrinted(runErr) {
		return failed(runErr)
	}
	return runErr
}
