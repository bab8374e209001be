package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksred/curvex/internal/database"
	"github.com/ksred/curvex/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [ticker]",
	Short: "Check the trade ledger against stored curve state",
	Long: `reconcile nets every settled trade per issuer and verifies that the price
path is continuous and ends at the stored price. It exits non-zero when any
issuer does not reconcile.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
		if err != nil {
			return err
		}
		service := reconcile.NewService(db)

		var reports []*reconcile.Report
		if len(args) == 1 {
			report, err := service.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			reports = append(reports, report)
		} else if reports, err = service.ReconcileAll(cmd.Context()); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return fmt.Errorf("encode reports: %w", err)
		}

		for _, r := range reports {
			if !r.Consistent {
				return fmt.Errorf("%s does not reconcile: %d break(s)", r.Ticker, len(r.Breaks))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
