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
	bcMode     string
	bcPriority int
	bcTimeout  time.Duration
	bcTargets  []string
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <text>",
	Short: "Deliver text to several endpoints and report per-endpoint results",
	Long: `Deliver the same text to every endpoint in --to (all endpoints when
omitted). One endpoint failing does not stop the others; the exit status is
non-zero if any endpoint failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runBroadcast,
}

func init() {
	addDeliveryFlags(broadcastCmd, &bcMode, &bcPriority, &bcTimeout)
	broadcastCmd.Flags().StringSliceVar(&bcTargets, "to", nil, "endpoint ids (comma separated, default all)")
	rootCmd.AddCommand(broadcastCmd)
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	mode, err := protocol.ParseMode(bcMode)
	if err != nil {
		return failed(err)
	}
	targets := make([]string, 0, len(bcTargets))
	for _, t := range bcTargets {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}

	return withApp(bcTimeout, func(ctx context.Context, a *app.App) error {
		c := a.Coordinator()
		rec, err := c.Broadcast(ctx, args[0], mode, targets, deliveryOptions(bcPriority)...)
		if err != nil {
			return err
		}
		order := targets
		if len(order) == 0 {
			order = c.Registry().IDs()
		}
		printBroadcast(rec, order)
		return broadcastErr(rec)
	})
}

func broadcastErr(rec dispatch.BroadcastRecord) error {
	if rec.FailCount == 0 {
		return nil
	}
	return &printedError{err: fmt.Errorf("broadcast %s: %d of %d endpoints failed", rec.BroadcastID, rec.FailCount, len(rec.Results))}
}
