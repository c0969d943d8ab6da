package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit ledger",
	Long: `Commands for listing the local audit ledger and verifying its hash chain,
either in place or from a JSON export of GET /api/v1/audit.`,
}

var (
	auditLimit  int
	auditOffset int
	auditJSON   bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ledger, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer ledger.Close()

		entries, err := ledger.List(ctx, auditOffset, auditLimit)
		if err != nil {
			return err
		}
		if auditJSON {
			return printJSON(cmd.OutOrStdout(), entries)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tTIME\tACTION\tTARGET\tOUTCOME\tACTOR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Sequence, e.CreatedAt, e.Action, e.Target, e.Outcome, e.Actor)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	f := auditListCmd.Flags()
	f.IntVar(&auditLimit, "limit", 50, "Maximum entries to show (0 for all)")
	f.IntVar(&auditOffset, "offset", 0, "Entries to skip from the newest")
	f.BoolVar(&auditJSON, "json", false, "Output entries as JSON")
}
