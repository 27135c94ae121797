// Command sentinel tracks customer follow-up obligations and alerts managers about missed ones.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sentinel/config"
	"sentinel/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "sentinel",
	Short:         "Issue lifecycle and resolution engine for customer conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.InitLogger()
	},
}

// loadApp reads configuration and wires the engine.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	// .env may set LOG_LEVEL or LOG_FORMAT after the logger was first initialized.
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	}
	return newApp(ctx, cfg)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("sentinel failed")
		os.Exit(1)
	}
}
