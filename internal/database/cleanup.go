package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"accesswatch/internal/database/repositories"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

// CleanupService removes report runs, their files and stale offenders
// older than the retention period
type CleanupService struct {
	db              *gorm.DB
	runs            repositories.ReportRunRepository
	offenders       repositories.OffenderRepository
	logger          *pterm.Logger
	retentionDays   int
	cleanupInterval time.Duration
	cleanupTime     string
	vacuumEnabled   bool
	clock           func() time.Time
	stopChan        chan struct{}
	running         bool

	mu        sync.Mutex
	lastStats CleanupStats
}

// CleanupStats holds statistics about cleanup operations
type CleanupStats struct {
	LastRunTime      time.Time     `json:"last_run_time"`
	RunsDeleted      int64         `json:"runs_deleted"`
	FilesRemoved     int           `json:"files_removed"`
	OffendersDeleted int64         `json:"offenders_deleted"`
	CleanupDuration  time.Duration `json:"cleanup_duration"`
	NextScheduledRun time.Time     `json:"next_scheduled_run"`
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(db *gorm.DB, logger *pterm.Logger, retentionDays int, cleanupTime string, vacuumEnabled bool) *CleanupService {
	return &CleanupService{
		db:              db,
		runs:            repositories.NewReportRunRepository(db),
		offenders:       repositories.NewOffenderRepository(db),
		logger:          logger,
		retentionDays:   retentionDays,
		cleanupInterval: time.Hour,
		cleanupTime:     cleanupTime,
		vacuumEnabled:   vacuumEnabled,
		clock:           time.Now,
		stopChan:        make(chan struct{}),
	}
}

// Start begins the cleanup service
func (s *CleanupService) Start() {
	if s.retentionDays <= 0 {
		s.logger.Info("Report retention disabled (report-retention-days=0), cleanup service not started")
		return
	}

	s.running = true
	s.logger.Info("Starting report cleanup service",
		s.logger.Args(
			"retention_days", s.retentionDays,
			"cleanup_time", s.cleanupTime,
		))

	go s.scheduledCleanupLoop()
}

// Stop stops the cleanup service
func (s *CleanupService) Stop() {
	if !s.running {
		return
	}

	s.logger.Info("Stopping report cleanup service")
	close(s.stopChan)
	s.running = false
}

// scheduledCleanupLoop runs cleanup at scheduled time daily
func (s *CleanupService) scheduledCleanupLoop() {
	for {
		now := s.clock()
		targetTime := s.nextRun(now)

		waitDuration := targetTime.Sub(now)
		s.logger.Debug("Next cleanup scheduled",
			s.logger.Args("next_run", targetTime.Format("2006-01-02 15:04:05"), "wait_duration", waitDuration.Round(time.Minute)))

		select {
		case <-s.stopChan:
			return
		case <-time.After(min(waitDuration, s.cleanupInterval)):
			if !s.clock().Before(targetTime) {
				if _, err := s.RunOnce(context.Background()); err != nil {
					s.logger.WithCaller().Error("Scheduled cleanup failed", s.logger.Args("error", err))
				}
			}
		}
	}
}

// parseCleanupTime parses the cleanup time string (HH:MM) and returns it on baseTime's day
func (s *CleanupService) parseCleanupTime(baseTime time.Time) time.Time {
	cleanupTime, err := time.Parse("15:04", s.cleanupTime)
	if err != nil {
		s.logger.Warn("Invalid cleanup time format, using 02:00",
			s.logger.Args("configured", s.cleanupTime, "error", err))
		cleanupTime, _ = time.Parse("15:04", "02:00")
	}

	return time.Date(
		baseTime.Year(), baseTime.Month(), baseTime.Day(),
		cleanupTime.Hour(), cleanupTime.Minute(), 0, 0,
		baseTime.Location(),
	)
}

// nextRun returns the next cleanup time after now
func (s *CleanupService) nextRun(now time.Time) time.Time {
	target := s.parseCleanupTime(now)
	if !now.Before(target) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

// RunOnce deletes every report run older than the retention period together
// with its report file, then drops offenders not flagged since the cutoff
func (s *CleanupService) RunOnce(ctx context.Context) (CleanupStats, error) {
	if s.retentionDays <= 0 {
		return CleanupStats{}, fmt.Errorf("retention disabled (report-retention-days=0)")
	}

	startTime := s.clock()
	cutoff := startTime.AddDate(0, 0, -s.retentionDays)
	s.logger.Info("Starting report cleanup",
		s.logger.Args("retention_days", s.retentionDays, "cutoff_date", cutoff.Format("2006-01-02")))

	stats := CleanupStats{LastRunTime: startTime}

	old, err := s.runs.FindOlderThan(cutoff)
	if err != nil {
		return stats, fmt.Errorf("finding expired report runs: %w", err)
	}

	ids := make([]uint, 0, len(old))
	for _, run := range old {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ids = append(ids, run.ID)
		if run.Path == "" {
			continue
		}
		if err := os.Remove(run.Path); err != nil {
			if !os.IsNotExist(err) {
				s.logger.WithCaller().Warn("Failed to remove report file",
					s.logger.Args("path", run.Path, "error", err))
			}
			continue
		}
		stats.FilesRemoved++
	}

	stats.RunsDeleted, err = s.runs.DeleteByIDs(ids)
	if err != nil {
		return stats, fmt.Errorf("deleting expired report runs: %w", err)
	}

	stats.OffendersDeleted, err = s.offenders.DeleteNotSeenSince(cutoff)
	if err != nil {
		return stats, fmt.Errorf("deleting stale offenders: %w", err)
	}

	stats.CleanupDuration = s.clock().Sub(startTime)
	stats.NextScheduledRun = s.nextRun(s.clock())

	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()

	s.logger.Info("Cleanup completed",
		s.logger.Args(
			"runs_deleted", stats.RunsDeleted,
			"files_removed", stats.FilesRemoved,
			"offenders_deleted", stats.OffendersDeleted,
			"duration", stats.CleanupDuration.Round(time.Millisecond),
		))

	if s.vacuumEnabled && stats.RunsDeleted+stats.OffendersDeleted > 0 {
		s.runVacuum(ctx)
	}
	return stats, nil
}

// runVacuum runs VACUUM to reclaim space
func (s *CleanupService) runVacuum(ctx context.Context) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		s.logger.WithCaller().Error("Failed to run VACUUM",
			s.logger.Args("error", err))
		return
	}

	s.logger.Debug("VACUUM completed",
		s.logger.Args("duration", time.Since(startTime).Round(time.Millisecond)))
}

// GetStats returns the statistics of the last cleanup
func (s *CleanupService) GetStats() CleanupStats {
	s.mu.Lock()
	stats := s.lastStats
	s.mu.Unlock()

	stats.NextScheduledRun = s.nextRun(s.clock())
	return stats
}
