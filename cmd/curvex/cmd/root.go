package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/curvex/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "curvex",
	Short: "Bonding-curve order settlement service",
	Long: `curvex queues buy and sell intents for issuer tokens and settles them
one at a time against each issuer's linear bonding curve, updating curve
state, cash balances, positions and the trade ledger atomically.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cfg)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults apply when omitted")
}

// setupLogging enables pretty console output outside production and
// debug level when requested
func setupLogging(c *config.Config) {
	if !c.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
