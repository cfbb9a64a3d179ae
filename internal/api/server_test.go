package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/api/handlers"
	"accesswatch/internal/database"
	"accesswatch/internal/database/models"
	"accesswatch/internal/database/repositories"
	"accesswatch/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeMonitor struct {
	mu       sync.Mutex
	snap     *monitor.Snapshot
	triggers int
}

func (f *fakeMonitor) Latest() (*monitor.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.snap != nil
}

func (f *fakeMonitor) Status() monitor.Status {
	return monitor.Status{Cycles: 3, Alerts: 1, WindowMode: "rolling"}
}

func (f *fakeMonitor) Trigger() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	return f.triggers == 1
}

type testAPI struct {
	router    *gin.Engine
	monitor   *fakeMonitor
	runs      repositories.ReportRunRepository
	offenders repositories.OffenderRepository
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)

	dbPath := filepath.Join(t.TempDir(), "accesswatch.db")
	db, err := database.NewConnection(&database.Config{Path: dbPath}, logger)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	fm := &fakeMonitor{}
	runs := repositories.NewReportRunRepository(db)
	offenders := repositories.NewOffenderRepository(db)

	srv := NewServer("",
		handlers.NewSystemHandler(fm, offenders, nil, logger, dbPath, 30),
		handlers.NewAnalysisHandler(fm, runs, offenders, logger),
		handlers.NewStreamHandler(fm, 20*time.Millisecond, logger),
		logger)

	return &testAPI{router: srv.Router(), monitor: fm, runs: runs, offenders: offenders}
}

func (a *testAPI) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func sampleSnapshot() *monitor.Snapshot {
	return &monitor.Snapshot{
		CycleAt: time.Now().Add(-time.Minute),
		Window:  monitor.WindowSummary{Mode: "rolling", Records: 42},
		DoS: analysis.DoSResult{
			Offenders: map[string]analysis.Offender{
				"10.0.0.1": {IP: "10.0.0.1", MaxPerMinute: 50, TotalRequests: 60},
				"10.0.0.2": {IP: "10.0.0.2", MaxPerMinute: 150, TotalRequests: 200},
			},
		},
		NotFound: analysis.ErrorResult{Class: analysis.ClassNotFound, Stats: analysis.ErrorStats{Matched: 7, Attributed: 7}},
		Auth:     analysis.ErrorResult{Class: analysis.ClassAuthFailure, Stats: analysis.ErrorStats{Matched: 2, Attributed: 1}},
		Decision: monitor.Decision{Offenders: 2, NotFound: 7, Auth: 1, Reasons: []string{monitor.ReasonDoS}},
		Alerted:  true,
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var stats handlers.SystemStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if stats.Monitor.Cycles != 3 || stats.Monitor.Alerts != 1 {
		t.Errorf("Expected monitor counters, got %+v", stats.Monitor)
	}
	if stats.LastCycleAge != "Never" {
		t.Errorf("Expected no cycle yet, got %s", stats.LastCycleAge)
	}
	if stats.NextCleanupTime != "Disabled" {
		t.Errorf("Expected cleanup disabled without service, got %s", stats.NextCleanupTime)
	}

	a.monitor.snap = sampleSnapshot()
	w = a.do(http.MethodGet, "/api/status")
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.LastWindowLines != 42 || len(stats.LastDecision) != 1 {
		t.Errorf("Expected last cycle details, got %+v", stats)
	}
}

func TestAnalysisEndpoint(t *testing.T) {
	a := newTestAPI(t)

	if w := a.do(http.MethodGet, "/api/analysis/dos"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before the first cycle, got %d", w.Code)
	}

	a.monitor.snap = sampleSnapshot()

	w := a.do(http.MethodGet, "/api/analysis/dos")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var dos struct {
		Offenders []analysis.Offender `json:"offenders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &dos); err != nil {
		t.Fatalf("unmarshal dos: %v", err)
	}
	if len(dos.Offenders) != 2 || dos.Offenders[0].IP != "10.0.0.2" {
		t.Errorf("Expected offenders ranked by peak rate, got %+v", dos.Offenders)
	}

	testCases := []struct {
		kind     string
		attrib   int
		expected int
	}{
		{"notfound", 7, http.StatusOK},
		{"auth", 1, http.StatusOK},
		{"teapot", 0, http.StatusNotFound},
	}
	for _, tc := range testCases {
		w := a.do(http.MethodGet, "/api/analysis/"+tc.kind)
		if w.Code != tc.expected {
			t.Errorf("%s: expected %d, got %d", tc.kind, tc.expected, w.Code)
			continue
		}
		if tc.expected != http.StatusOK {
			continue
		}
		var body struct {
			Result analysis.ErrorResult `json:"result"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		if body.Result.Stats.Attributed != tc.attrib {
			t.Errorf("%s: expected %d attributed, got %d", tc.kind, tc.attrib, body.Result.Stats.Attributed)
		}
	}
}

func TestReportsEndpoint(t *testing.T) {
	a := newTestAPI(t)

	now := time.Now()
	a.runs.Create(&models.ReportRun{Kind: models.KindDoS, Path: "recent.html", Findings: 2, CreatedAt: now.Add(-time.Hour)})
	a.runs.Create(&models.ReportRun{Kind: models.KindNotFound, Path: "old.html", Findings: 9, CreatedAt: now.Add(-48 * time.Hour)})

	w := a.do(http.MethodGet, "/api/reports?hours=6")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body struct {
		Hours   int                      `json:"hours"`
		Runs    []map[string]interface{} `json:"runs"`
		Summary repositories.RunSummary  `json:"summary"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal reports: %v", err)
	}
	if body.Hours != 6 || len(body.Runs) != 1 {
		t.Errorf("Expected 1 run in 6 hours, got %d", len(body.Runs))
	}
	if body.Summary.Findings(models.KindDoS) != 2 {
		t.Errorf("Expected 2 DoS findings, got %d", body.Summary.Findings(models.KindDoS))
	}

	// Invalid values fall back to the default of 24 hours
	w = a.do(http.MethodGet, "/api/reports?hours=abc")
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Hours != 24 {
		t.Errorf("Expected default hours, got %d", body.Hours)
	}
}

func TestOffendersEndpoint(t *testing.T) {
	a := newTestAPI(t)

	now := time.Now()
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		if err := a.offenders.Upsert(&models.Offender{IPAddress: ip, LastSeen: now}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	w := a.do(http.MethodGet, "/api/offenders?limit=1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var offenders []models.Offender
	if err := json.Unmarshal(w.Body.Bytes(), &offenders); err != nil {
		t.Fatalf("unmarshal offenders: %v", err)
	}
	if len(offenders) != 1 || offenders[0].IPAddress != "10.0.0.1" || offenders[0].TimesFlagged != 2 {
		t.Errorf("Expected most flagged offender only, got %+v", offenders)
	}
}

func TestCycleEndpoint(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/api/cycle")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"queued":true`) {
		t.Errorf("Expected queued true, got %s", w.Body.String())
	}

	w = a.do(http.MethodPost, "/api/cycle")
	if !strings.Contains(w.Body.String(), `"queued":false`) {
		t.Errorf("Expected coalesced trigger, got %s", w.Body.String())
	}

	if w := a.do(http.MethodGet, "/api/cycle"); w.Code == http.StatusAccepted {
		t.Error("Expected GET on /api/cycle to be rejected")
	}
}

func TestStreamEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.monitor.snap = sampleSnapshot()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.HasPrefix(body, "event: cycle\ndata: ") {
		t.Fatalf("Expected a cycle event, got %q", body)
	}
	if strings.Count(body, "event: cycle") != 1 {
		t.Errorf("Expected the unchanged snapshot sent once, got %q", body)
	}
	if !strings.Contains(body, `"offenders":2`) {
		t.Errorf("Expected offender count in event, got %q", body)
	}
}
