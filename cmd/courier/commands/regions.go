package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"courier/internal/endpoint"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Print the derived regions of every configured endpoint",
	Args:  cobra.NoArgs,
	RunE:  runRegions,
}

func init() {
	rootCmd.AddCommand(regionsCmd)
}

func runRegions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failed(err)
	}
	reg, err := endpoint.New(cfg.Endpoints)
	if err != nil {
		return failed(err)
	}
	if reg.Len() == 0 {
		yellow.Fprintln(out, "no endpoints configured")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header(tw, "ID", "ANCHOR", "INPUT", "STATUS", "WORKSPACE", "RESET")
	for _, ep := range reg.All() {
		r := ep.Regions
		fmt.Fprintf(tw, "%s\t(%d,%d)\t%s\t%s\t%s\t%s\n",
			ep.ID, ep.Anchor.X, ep.Anchor.Y, r.Input, r.Status, r.Workspace, r.Reset)
	}
	return tw.Flush()
}
