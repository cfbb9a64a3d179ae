package main

import (
	"fmt"
	"time"

	"accesswatch/internal/config"
	"accesswatch/internal/discovery"
	"accesswatch/internal/ingestion"
	"accesswatch/internal/parser/accesslog"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// newRootCommand returns the accesswatch command tree
func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "accesswatch",
		Short: "access log anomaly watchdog",
		Long: `accesswatch reads the daily access logs of a web server, flags DoS-like
sources, 404 spikes and 401/403 failures, and reports them as HTML by mail.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", fmt.Sprintf("config file (default is %s)", config.DefaultConfigPath))

	cmd.AddCommand(
		newRunCommand(&configPath),
		newAnalyzeCommand(&configPath),
		newVersionCommand(),
	)
	return cmd
}

// setup loads the configuration and builds the logger at its level
func setup(configPath string) (*config.Config, *pterm.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := pterm.DefaultLogger.WithLevel(level)
	if cfg.ConfigPath != "" {
		logger.Debug("Configuration loaded", logger.Args("path", cfg.ConfigPath))
	}
	return cfg, logger, nil
}

// newReader resolves the log directory and builds the window reader over it
func newReader(cfg *config.Config, logger *pterm.Logger, now time.Time) (*ingestion.Reader, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	parser := accesslog.NewParser(loc, logger)

	dir := cfg.LogDir
	if dir == "" {
		engine := discovery.NewEngine(logger, discovery.DefaultDetectors(cfg.LogFileTemplate, parser, logger)...)
		found, err := engine.Run(now.In(loc))
		if err != nil {
			return nil, fmt.Errorf("log-dir not set: %w", err)
		}
		dir = found.Dir
	}

	return ingestion.NewReader(dir, parser, logger,
		ingestion.WithFileTemplate(cfg.LogFileTemplate),
		ingestion.WithWindow(cfg.Window),
		ingestion.WithUndatedRecords(cfg.KeepUndated),
	)
}
