package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/curvex/internal/database"
	"github.com/ksred/curvex/internal/settlement"
	"github.com/ksred/curvex/internal/types"
)

var settleNextOnly bool

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle pending orders once and print the results as JSON",
	Long: `settle drains the order queue in submission order and exits. It is the
entrypoint for cron-style schedulers; use --next to settle a single order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
		if err != nil {
			return err
		}
		coordinator := newCoordinator(cfg, settlement.NewDatabase(db))

		var results []*types.SettlementResult
		if settleNextOnly {
			result, err := coordinator.ProcessNextOrder(cmd.Context())
			if err != nil {
				return err
			}
			if result != nil {
				results = append(results, result)
			}
		} else {
			results, err = coordinator.ProcessAllPendingOrders(cmd.Context())
			if err != nil {
				zlog.Error().Err(err).Int("settled", len(results)).Msg("queue drain stopped early")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		return err
	},
}

func init() {
	settleCmd.Flags().BoolVar(&settleNextOnly, "next", false, "settle only the oldest pending order")
	rootCmd.AddCommand(settleCmd)
}
