package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"LinguaFM/config"
	"LinguaFM/logger"
	"LinguaFM/server"
)

var rootCmd = &cobra.Command{
	Use:   "linguafm",
	Short: "LinguaFM is the audio generation and sync service for graded readers.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		initLogger(cfg)
		server.Start(cfg)
	},
}

func initLogger(cfg *config.Config) {
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogOutput,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
