package cmd

import (
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/curvex/internal/database"
	"github.com/ksred/curvex/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load issuers and funded accounts from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := seed.Load(args[0])
		if err != nil {
			return err
		}
		db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
		if err != nil {
			return err
		}
		if err := file.Apply(cmd.Context(), db); err != nil {
			return err
		}
		zlog.Info().
			Int("issuers", len(file.Issuers)).
			Int("accounts", len(file.Accounts)).
			Msg("seed applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
