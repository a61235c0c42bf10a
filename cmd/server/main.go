package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	vp      *viper.Viper
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crisisd",
	Short: "Crisis alert escalation engine",
	Long:  "Tracks crisis alerts raised by the risk classifier, escalates unacknowledged alerts through the clinical on-call chain and collects clinician feedback for detector tuning.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, v, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg, vp = c, v

		l, err := config.NewLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
