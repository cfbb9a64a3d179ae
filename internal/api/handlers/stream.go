package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"accesswatch/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// MaxSSEConnections limits concurrent cycle stream clients
const MaxSSEConnections = 10

// CycleEvent is the compact view of one cycle pushed to stream clients
type CycleEvent struct {
	CycleAt    time.Time `json:"cycle_at"`
	Records    int       `json:"records"`
	Offenders  int       `json:"offenders"`
	NotFound   int       `json:"notfound"`
	Auth       int       `json:"auth"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Reasons    []string  `json:"reasons"`
	Alerted    bool      `json:"alerted"`
	Suppressed bool      `json:"suppressed"`
}

// NewCycleEvent condenses a snapshot
func NewCycleEvent(snap *monitor.Snapshot) CycleEvent {
	return CycleEvent{
		CycleAt:    snap.CycleAt,
		Records:    snap.Window.Records,
		Offenders:  snap.Decision.Offenders,
		NotFound:   snap.Decision.NotFound,
		Auth:       snap.Decision.Auth,
		CPUPercent: snap.Decision.CPUPercent,
		MemoryMB:   snap.Decision.MemoryMB,
		Reasons:    snap.Decision.Reasons,
		Alerted:    snap.Alerted,
		Suppressed: snap.Suppressed,
	}
}

// StreamHandler pushes cycle results to clients via Server-Sent Events
type StreamHandler struct {
	monitor           MonitorView
	logger            *pterm.Logger
	interval          time.Duration
	activeConnections int
	maxConnections    int
	connectionMutex   sync.Mutex
}

// NewStreamHandler creates a new stream handler polling the monitor every interval
func NewStreamHandler(monitorView MonitorView, interval time.Duration, logger *pterm.Logger) *StreamHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &StreamHandler{
		monitor:        monitorView,
		logger:         logger,
		interval:       interval,
		maxConnections: MaxSSEConnections,
	}
}

// StreamCycles sends an event whenever a new cycle completes
func (h *StreamHandler) StreamCycles(c *gin.Context) {
	h.connectionMutex.Lock()
	if h.activeConnections >= h.maxConnections {
		h.connectionMutex.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Maximum concurrent connections reached. Please try again later."})
		return
	}
	h.activeConnections++
	currentConnections := h.activeConnections
	h.connectionMutex.Unlock()

	defer func() {
		h.connectionMutex.Lock()
		h.activeConnections--
		h.connectionMutex.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug("Client connected to cycle stream",
		h.logger.Args("client_ip", c.ClientIP(), "active_connections", currentConnections))

	var lastSent time.Time
	send := func() bool {
		snap, ok := h.monitor.Latest()
		if !ok || !snap.CycleAt.After(lastSent) {
			return true
		}
		data, err := json.Marshal(NewCycleEvent(snap))
		if err != nil {
			h.logger.Error("Failed to marshal cycle event", h.logger.Args("error", err))
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: cycle\ndata: %s\n\n", data); err != nil {
			h.logger.Debug("Failed to write SSE data", h.logger.Args("error", err))
			return false
		}
		c.Writer.Flush()
		lastSent = snap.CycleAt
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("Cycle stream closed", h.logger.Args("client_ip", c.ClientIP()))
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
