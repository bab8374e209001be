package cmd

import (
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/curvex/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cfg.Database, cfg.Server.Debug)
		if err != nil {
			return err
		}
		if err := database.Migrate(db); err != nil {
			return err
		}
		zlog.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
