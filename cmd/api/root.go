package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radif/fileservice/internal/config"
	"github.com/radif/fileservice/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "fileservice",
	Short:         "Content-addressed file storage service",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// setup loads and validates configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, fromFile := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	if !fromFile {
		log.Info("no .env file found, reading from environment")
	}
	return cfg, log, nil
}
