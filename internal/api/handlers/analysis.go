package handlers

import (
	"net/http"
	"strconv"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/database/repositories"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// AnalysisHandler serves the latest analysis and the report history
type AnalysisHandler struct {
	monitor      MonitorView
	runRepo      repositories.ReportRunRepository
	offenderRepo repositories.OffenderRepository
	logger       *pterm.Logger
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(monitorView MonitorView, runRepo repositories.ReportRunRepository, offenderRepo repositories.OffenderRepository, logger *pterm.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		monitor:      monitorView,
		runRepo:      runRepo,
		offenderRepo: offenderRepo,
		logger:       logger,
	}
}

// GetAnalysis returns one analyzer's result from the latest cycle
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	snap, ok := h.monitor.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No analysis cycle has completed yet"})
		return
	}

	switch c.Param("kind") {
	case "dos":
		c.JSON(http.StatusOK, gin.H{
			"cycle_at":  snap.CycleAt,
			"window":    snap.Window,
			"offenders": snap.DoS.Ranked(),
			"stats":     snap.DoS.Stats,
		})
	case analysis.ClassNotFound:
		c.JSON(http.StatusOK, gin.H{
			"cycle_at": snap.CycleAt,
			"window":   snap.Window,
			"result":   snap.NotFound,
		})
	case analysis.ClassAuthFailure:
		c.JSON(http.StatusOK, gin.H{
			"cycle_at": snap.CycleAt,
			"window":   snap.Window,
			"result":   snap.Auth,
		})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown analysis kind, expected dos, notfound or auth"})
	}
}

// GetReports returns the report runs of the last hours with their totals
func (h *AnalysisHandler) GetReports(c *gin.Context) {
	hours := 24
	if h := c.Query("hours"); h != "" {
		if val, err := strconv.Atoi(h); err == nil && val > 0 && val <= 720 {
			hours = val
		}
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	runs, err := h.runRepo.FindSince(since)
	if err != nil {
		h.logger.WithCaller().Error("Failed to list report runs", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list report runs"})
		return
	}
	summary, err := h.runRepo.Summarize(since)
	if err != nil {
		h.logger.WithCaller().Error("Failed to summarize report runs", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to summarize report runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hours":   hours,
		"runs":    runs,
		"summary": summary,
	})
}

// GetOffenders returns the most frequently flagged sources
func (h *AnalysisHandler) GetOffenders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = min(val, 1000)
		}
	}

	offenders, err := h.offenderRepo.FindTop(limit)
	if err != nil {
		h.logger.WithCaller().Error("Failed to list offenders", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list offenders"})
		return
	}

	c.JSON(http.StatusOK, offenders)
}

// TriggerCycle queues an immediate analysis cycle
func (h *AnalysisHandler) TriggerCycle(c *gin.Context) {
	queued := h.monitor.Trigger()
	h.logger.Debug("Manual cycle requested", h.logger.Args("queued", queued, "client_ip", c.ClientIP()))
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}
