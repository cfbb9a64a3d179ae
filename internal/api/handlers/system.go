// MIT License
//
// Copyright (c) 2026 Kolin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
package handlers

import (
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"accesswatch/internal/database"
	"accesswatch/internal/database/repositories"
	"accesswatch/internal/monitor"
	"accesswatch/internal/version"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// MonitorView is the part of the monitor service the API reads
type MonitorView interface {
	Latest() (*monitor.Snapshot, bool)
	Status() monitor.Status
	Trigger() bool
}

// SystemHandler handles health and status requests
type SystemHandler struct {
	monitor        MonitorView
	offenderRepo   repositories.OffenderRepository
	cleanupService *database.CleanupService
	logger         *pterm.Logger
	startTime      time.Time
	dbPath         string
	retentionDays  int
}

// SystemStats holds the service status
type SystemStats struct {
	// Process Info
	AppVersion    string  `json:"app_version"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	StartTime     string  `json:"start_time"`
	GoVersion     string  `json:"go_version"`
	NumGoroutines int     `json:"num_goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`

	// Monitor Info
	Monitor         monitor.Status `json:"monitor"`
	LastCycleAge    string         `json:"last_cycle_age"`
	KnownOffenders  int64          `json:"known_offenders"`
	CooldownActive  bool           `json:"cooldown_active"`
	LastDecision    []string       `json:"last_decision"`
	LastWindowLines int            `json:"last_window_records"`

	// Database Info
	DatabaseSizeMB float64 `json:"database_size_mb"`
	DatabaseSize   string  `json:"database_size"`
	DatabasePath   string  `json:"database_path"`

	// Cleanup Info
	RetentionDays   int    `json:"retention_days"`
	NextCleanupTime string `json:"next_cleanup_time"`
	LastCleanupTime string `json:"last_cleanup_time"`
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(
	monitorView MonitorView,
	offenderRepo repositories.OffenderRepository,
	cleanupService *database.CleanupService,
	logger *pterm.Logger,
	dbPath string,
	retentionDays int,
) *SystemHandler {
	return &SystemHandler{
		monitor:        monitorView,
		offenderRepo:   offenderRepo,
		cleanupService: cleanupService,
		logger:         logger,
		startTime:      time.Now(),
		dbPath:         dbPath,
		retentionDays:  retentionDays,
	}
}

// Health reports liveness
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.startTime).String(),
		"version": version.Version,
	})
}

// GetStatus returns the service status
func (h *SystemHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.collectSystemStats())
}

// collectSystemStats gathers all status information
func (h *SystemHandler) collectSystemStats() *SystemStats {
	stats := &SystemStats{
		AppVersion:    version.Version,
		StartTime:     h.startTime.Format(time.RFC3339),
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		DatabasePath:  h.dbPath,
		RetentionDays: h.retentionDays,
		LastDecision:  []string{},
	}

	uptime := time.Since(h.startTime)
	stats.UptimeSeconds = int64(uptime.Seconds())
	stats.Uptime = strings.TrimSpace(humanize.RelTime(h.startTime, time.Now(), "", ""))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	stats.MemoryAllocMB = float64(m.Alloc) / 1024 / 1024

	stats.Monitor = h.monitor.Status()
	if snap, ok := h.monitor.Latest(); ok {
		stats.LastCycleAge = humanize.Time(snap.CycleAt)
		stats.CooldownActive = snap.Suppressed
		stats.LastDecision = snap.Decision.Reasons
		stats.LastWindowLines = snap.Window.Records
	} else {
		stats.LastCycleAge = "Never"
	}

	if h.offenderRepo != nil {
		count, err := h.offenderRepo.Count()
		if err != nil {
			h.logger.WithCaller().Warn("Failed to count offenders", h.logger.Args("error", err))
		}
		stats.KnownOffenders = count
	}

	if fileInfo, err := os.Stat(h.dbPath); err == nil {
		stats.DatabaseSizeMB = float64(fileInfo.Size()) / 1024 / 1024
		stats.DatabaseSize = humanize.Bytes(uint64(fileInfo.Size()))
	}

	if h.cleanupService != nil && h.retentionDays > 0 {
		cleanupStats := h.cleanupService.GetStats()
		stats.NextCleanupTime = cleanupStats.NextScheduledRun.Format(time.DateTime)
		if !cleanupStats.LastRunTime.IsZero() {
			stats.LastCleanupTime = cleanupStats.LastRunTime.Format(time.DateTime)
		} else {
			stats.LastCleanupTime = "Never"
		}
	} else {
		stats.NextCleanupTime = "Disabled"
		stats.LastCleanupTime = "N/A"
	}

	return stats
}
