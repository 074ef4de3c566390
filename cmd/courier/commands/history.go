package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent broadcasts from the persisted broadcast log",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failed(err)
	}
	lvl := cfg.Logging.Level
	if logLevel != "" {
		lvl = logLevel
	}
	st, err := app.OpenStore(cfg, logx.NewConsole(lvl))
	if errors.Is(err, storage.ErrDisabled) {
		yellow.Fprintln(out, "storage is disabled; set storage.driver to keep a broadcast log")
		return nil
	}
	if err != nil {
		return failed(err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entries, err := st.RecentBroadcasts(ctx, historyLimit)
	if err != nil {
		return failed(err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no broadcasts recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header(tw, "TIME", "ID", "MODE", "PRI", "OK", "FAIL", "METHOD", "MESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.BroadcastID, e.Mode, e.Priority,
			e.SuccessCount, e.FailCount, e.Method, preview(e.Message, 40))
	}
	return tw.Flush()
}

func preview(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' {
			r[i] = ' '
		}
	}
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
