package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/api"
	"accesswatch/internal/api/handlers"
	"accesswatch/internal/banner"
	"accesswatch/internal/config"
	"accesswatch/internal/database"
	"accesswatch/internal/database/repositories"
	"accesswatch/internal/enrichment"
	"accesswatch/internal/ingestion"
	"accesswatch/internal/monitor"
	"accesswatch/internal/notify"
	"accesswatch/internal/report"
	"accesswatch/internal/resources"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const geoIPCacheSize = 10000

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "watch the access logs and report anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			return runService(cmd.Context(), cfg, logger)
		},
	}
}

// runService wires every component and runs the monitor until SIGINT or SIGTERM
func runService(parent context.Context, cfg *config.Config, logger *pterm.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Shutting down", logger.Args("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	reader, err := newReader(cfg, logger, time.Now())
	if err != nil {
		return err
	}

	dos, err := analysis.NewDoSDetector(cfg.DoS())
	if err != nil {
		return err
	}

	db, err := database.NewConnection(&database.Config{Path: cfg.DBPath}, logger)
	if err != nil {
		return err
	}
	defer database.Close(db)

	runs := repositories.NewReportRunRepository(db)
	offenders := repositories.NewOffenderRepository(db)

	geo := enrichment.NewGeoIPEnricher(cfg.GeoIPCityDB, cfg.GeoIPCountryDB, cfg.GeoIPASNDB, db, logger, geoIPCacheSize)
	defer geo.Close()
	var locator monitor.Locator
	if geo.IsEnabled() {
		if err := geo.LoadCache(); err != nil {
			logger.Warn("Failed to load GeoIP cache", logger.Args("error", err))
		}
		locator = geo
	}

	renderer, err := report.NewRenderer(cfg.ReportDir, logger)
	if err != nil {
		return err
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}

	var watcher *ingestion.DirWatcher
	if cfg.WatchEnabled {
		watcher, err = ingestion.NewDirWatcher(reader.Dir(), reader.IsLogFile, cfg.WatchDebounce, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	svc, err := monitor.NewService(monitor.Deps{
		Reader:    reader,
		DoS:       dos,
		NotFound:  analysis.NewNotFoundAnalyzer(),
		Auth:      analysis.NewAuthFailureAnalyzer(),
		Sampler:   resources.NewSampler(cfg.ResourceUser, logger),
		Locator:   locator,
		Renderer:  renderer,
		Runs:      runs,
		Offenders: offenders,
		Mailer:    mailer,
		Watcher:   watcher,
	}, monitor.Options{
		WindowMode:    cfg.WindowMode,
		Window:        cfg.Window,
		PollInterval:  cfg.PollInterval,
		AlertCooldown: cfg.AlertCooldown,
		Thresholds: monitor.Thresholds{
			NotFound:   cfg.NotFoundAlertThreshold,
			Auth:       cfg.AuthAlertThreshold,
			CPUPercent: cfg.CPUAlertPercent,
			MemoryMB:   cfg.MemoryAlertMB,
		},
		CombinedSchedule: cfg.CombinedReportSchedule,
		CombinedPeriod:   cfg.CombinedReportPeriod,
		Location:         loc,
	}, logger)
	if err != nil {
		return err
	}

	cleanup := database.NewCleanupService(db, logger, cfg.ReportRetentionDays, cfg.CleanupTime, true)
	cleanup.Start()
	defer cleanup.Stop()

	if cfg.APIEnabled {
		server := api.NewServer(cfg.APIAddr,
			handlers.NewSystemHandler(svc, offenders, cleanup, logger, cfg.DBPath, cfg.ReportRetentionDays),
			handlers.NewAnalysisHandler(svc, runs, offenders, logger),
			handlers.NewStreamHandler(svc, time.Second, logger),
			logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("API server shutdown", logger.Args("error", err))
			}
		}()
	}

	settings := banner.Settings{
		LogDir:     reader.Dir(),
		WindowMode: cfg.WindowMode,
		Window:     cfg.Window.String(),
		ReportDir:  renderer.Dir(),
		Mail:       mailer.Enabled(),
		Watch:      watcher != nil,
	}
	if cfg.APIEnabled {
		settings.APIAddr = cfg.APIAddr
	}
	banner.Print(settings)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gctx)
	})

	if watcher != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case err, ok := <-watcher.Errors():
					if !ok {
						return nil
					}
					logger.Warn("Log directory watcher error", logger.Args("error", err))
				}
			}
		})
	}

	return g.Wait()
}

// newMailer returns the SMTP mailer when smtp-host is set, a logging no-op otherwise
func newMailer(cfg *config.Config, logger *pterm.Logger) (notify.Mailer, error) {
	if !cfg.SMTPEnabled() {
		logger.Info("SMTP not configured, reports are only written to disk", logger.Args("dir", cfg.ReportDir))
		return notify.NewNoopMailer(logger), nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		To:       cfg.SMTPTo,
		TLS:      cfg.SMTPTLS,
	}, logger)
}
