package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/database"
	"accesswatch/internal/database/models"
	"accesswatch/internal/database/repositories"
	"accesswatch/internal/enrichment"
	"accesswatch/internal/ingestion"
	"accesswatch/internal/notify"
	"accesswatch/internal/parser/accesslog"
	"accesswatch/internal/report"
	"accesswatch/internal/resources"

	"github.com/pterm/pterm"
)

var baseTime = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeSampler struct {
	usage resources.Usage
}

func (f *fakeSampler) Sample(ctx context.Context) (resources.Usage, error) {
	return f.usage, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (f *fakeMailer) Enabled() bool { return true }

func (f *fakeMailer) Send(ctx context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLocator map[string]enrichment.Location

func (f fakeLocator) Lookup(ip string) (enrichment.Location, error) {
	return f[ip], nil
}

type testEnv struct {
	service *Service
	mailer  *fakeMailer
	sampler *fakeSampler
	runs    repositories.ReportRunRepository
	offs    repositories.OffenderRepository
	logDir  string
	now     *time.Time
}

func logLine(ip string, ts time.Time, path string, status int) string {
	return fmt.Sprintf(`%s "%s" "GET %s HTTP/1.1" %d 100 200 "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0"`,
		ip, accesslog.FormatDate(ts), path, status)
}

func writeLog(t *testing.T, dir string, day time.Time, lines []string) {
	t.Helper()
	name := filepath.Join(dir, day.Format(ingestion.DefaultFileTemplate))
	if err := os.WriteFile(name, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newTestEnv(t *testing.T, thresholds Thresholds) *testEnv {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	root := t.TempDir()
	logDir := filepath.Join(root, "logs")
	os.MkdirAll(logDir, 0o755)

	now := baseTime
	clock := func() time.Time { return now }

	reader, err := ingestion.NewReader(logDir, accesslog.NewParser(time.UTC, logger), logger, ingestion.WithClock(clock))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	dos, err := analysis.NewDoSDetector(analysis.DoSConfig{RequestsPerMinute: 3, TotalRequests: 100, BytesSent: 1 << 30, SamplesPerSource: 5})
	if err != nil {
		t.Fatalf("NewDoSDetector: %v", err)
	}
	renderer, err := report.NewRenderer(filepath.Join(root, "reports"), logger)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	db, err := database.NewConnection(&database.Config{Path: filepath.Join(root, "accesswatch.db")}, logger)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	env := &testEnv{
		mailer:  &fakeMailer{},
		sampler: &fakeSampler{usage: resources.Usage{User: "www-data", CPUPercent: 12.5, MemoryMB: 256}},
		runs:    repositories.NewReportRunRepository(db),
		offs:    repositories.NewOffenderRepository(db),
		logDir:  logDir,
		now:     &now,
	}

	svc, err := NewService(Deps{
		Reader:    reader,
		DoS:       dos,
		NotFound:  analysis.NewNotFoundAnalyzer(),
		Auth:      analysis.NewAuthFailureAnalyzer(),
		Sampler:   env.sampler,
		Locator:   fakeLocator{"10.0.0.1": {Country: "PL", ASN: 5617, ASNOrg: "Orange Polska"}},
		Renderer:  renderer,
		Runs:      env.runs,
		Offenders: env.offs,
		Mailer:    env.mailer,
	}, Options{
		Window:         15 * time.Minute,
		PollInterval:   time.Minute,
		AlertCooldown:  time.Hour,
		Thresholds:     thresholds,
		CombinedPeriod: 24 * time.Hour,
		Location:       time.UTC,
	}, logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.clock = clock
	env.service = svc
	return env
}

func burst(ip string, at time.Time, n int) []string {
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, logLine(ip, at.Add(time.Duration(i)*time.Second), "/index.html", 200))
	}
	return lines
}

func TestNewService_Validation(t *testing.T) {
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)

	if _, err := NewService(Deps{}, Options{PollInterval: time.Minute}, logger); err == nil {
		t.Error("Expected error without reader and analyzers")
	}

	env := newTestEnv(t, Thresholds{})
	deps := env.service.deps
	if _, err := NewService(deps, Options{}, logger); err == nil {
		t.Error("Expected error for zero poll interval")
	}
	if _, err := NewService(deps, Options{PollInterval: time.Minute, WindowMode: "weekly"}, logger); err == nil {
		t.Error("Expected error for unknown window mode")
	}
}

func TestRunCycle_NoLogs(t *testing.T) {
	env := newTestEnv(t, Thresholds{NotFound: 50, Auth: 20})

	snap, err := env.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if snap.Window.Records != 0 {
		t.Errorf("Expected empty window, got %d records", snap.Window.Records)
	}
	if snap.Decision.Triggered() || snap.Alerted {
		t.Errorf("Expected no alert, got %+v", snap.Decision)
	}
	if snap.Usage.MemoryMB != 256 {
		t.Errorf("Expected sampled usage, got %+v", snap.Usage)
	}
	if latest, ok := env.service.Latest(); !ok || latest != snap {
		t.Error("Expected latest snapshot stored")
	}
	if env.mailer.count() != 0 {
		t.Errorf("Expected no mail, got %d", env.mailer.count())
	}
}

func TestRunCycle_AlertAndCooldown(t *testing.T) {
	env := newTestEnv(t, Thresholds{NotFound: 50, Auth: 20})

	lines := burst("10.0.0.1", baseTime.Add(-2*time.Minute), 5)
	lines = append(lines,
		logLine("10.0.0.2", baseTime.Add(-time.Minute), "/missing.png", 404),
		logLine("10.0.0.3", baseTime.Add(-time.Minute), "/admin", 403),
	)
	writeLog(t, env.logDir, baseTime, lines)

	snap, err := env.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(snap.Decision.Reasons) != 1 || snap.Decision.Reasons[0] != ReasonDoS {
		t.Errorf("Expected only the DoS reason, got %v", snap.Decision.Reasons)
	}
	if !snap.Alerted {
		t.Fatal("Expected alert")
	}
	if len(snap.Reports) != 3 {
		t.Fatalf("Expected 3 reports, got %d", len(snap.Reports))
	}
	for _, path := range snap.Reports {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected report file %s: %v", path, err)
		}
	}
	if snap.NotFound.Stats.Attributed != 1 || snap.Auth.Stats.Attributed != 1 {
		t.Errorf("Expected one 404 and one 403, got %d/%d", snap.NotFound.Stats.Attributed, snap.Auth.Stats.Attributed)
	}

	runs, err := env.runs.FindSince(baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindSince: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 recorded runs, got %d", len(runs))
	}
	for _, run := range runs {
		if !run.Emailed {
			t.Errorf("Expected %s run flagged as emailed", run.Kind)
		}
		if run.MemoryMB != 256 {
			t.Errorf("Expected usage recorded on %s run, got %v", run.Kind, run.MemoryMB)
		}
	}

	offender, err := env.offs.FindByIP("10.0.0.1")
	if err != nil {
		t.Fatalf("FindByIP: %v", err)
	}
	if offender.PeakPerMinute != 5 || offender.Country != "PL" || offender.ASN != 5617 {
		t.Errorf("Unexpected offender row %+v", offender)
	}
	if offender.TotalRequests != 5 || offender.TotalBytes != 1000 {
		t.Errorf("Expected 5 requests and 1000 bytes recorded, got %d/%d", offender.TotalRequests, offender.TotalBytes)
	}

	if env.mailer.count() != 1 {
		t.Fatalf("Expected 1 mail, got %d", env.mailer.count())
	}
	msg := env.mailer.sent[0]
	if len(msg.Attachments) != 3 || !strings.Contains(msg.Subject, ReasonDoS) {
		t.Errorf("Unexpected message %q with %d attachments", msg.Subject, len(msg.Attachments))
	}

	// Within the cooldown the same anomaly is not reported again
	*env.now = baseTime.Add(time.Minute)
	snap, err = env.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if snap.Alerted || !snap.Suppressed {
		t.Errorf("Expected suppressed alert, got alerted=%v suppressed=%v", snap.Alerted, snap.Suppressed)
	}
	if env.mailer.count() != 1 {
		t.Errorf("Expected no additional mail, got %d", env.mailer.count())
	}

	status := env.service.Status()
	if status.Cycles != 2 || status.Alerts != 1 {
		t.Errorf("Expected 2 cycles and 1 alert, got %d/%d", status.Cycles, status.Alerts)
	}
	if !status.LastAlert.Equal(baseTime) {
		t.Errorf("Expected last alert at %v, got %v", baseTime, status.LastAlert)
	}
}

func TestRunCycle_ResourceAlert(t *testing.T) {
	env := newTestEnv(t, Thresholds{CPUPercent: 90})
	env.sampler.usage.CPUPercent = 150

	snap, err := env.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !snap.Alerted || len(snap.Decision.Reasons) != 1 || snap.Decision.Reasons[0] != ReasonCPU {
		t.Errorf("Expected CPU alert, got %+v", snap.Decision)
	}
}

func TestRunCycle_DayMode(t *testing.T) {
	env := newTestEnv(t, Thresholds{})
	env.service.opts.WindowMode = "day"

	// The day window is anchored to the newest record, not the clock
	old := baseTime.Add(-5 * time.Hour)
	writeLog(t, env.logDir, baseTime, append(burst("10.0.0.9", old.Add(-time.Hour), 2), burst("10.0.0.1", old, 4)...))

	snap, err := env.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if snap.Window.Records != 4 {
		t.Errorf("Expected 4 records in the day window, got %d", snap.Window.Records)
	}
	if _, ok := snap.DoS.Offenders["10.0.0.1"]; !ok {
		t.Error("Expected 10.0.0.1 flagged")
	}
}

func TestRunCycle_Cancelled(t *testing.T) {
	env := newTestEnv(t, Thresholds{})
	writeLog(t, env.logDir, baseTime, burst("10.0.0.1", baseTime.Add(-time.Minute), 3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.service.RunCycle(ctx); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if env.service.Status().FailedCycles != 1 {
		t.Errorf("Expected failed cycle counted, got %d", env.service.Status().FailedCycles)
	}
	if _, ok := env.service.Latest(); ok {
		t.Error("Expected no snapshot after failed cycle")
	}
}

func TestRunCombined(t *testing.T) {
	env := newTestEnv(t, Thresholds{})
	writeLog(t, env.logDir, baseTime, burst("10.0.0.1", baseTime.Add(-2*time.Minute), 5))

	if _, err := env.service.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	*env.now = baseTime.Add(2 * time.Hour)
	path, err := env.service.RunCombined(context.Background())
	if err != nil {
		t.Fatalf("RunCombined: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), report.PrefixCombined) {
		t.Errorf("Unexpected combined report name %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), "dos-report-") {
		t.Error("Expected combined report to list the DoS report")
	}

	runs, _ := env.runs.FindSince(baseTime.Add(-time.Hour))
	if len(runs) != 4 || runs[0].Kind != models.KindCombined {
		t.Errorf("Expected combined run recorded newest, got %d runs", len(runs))
	}
	if runs[0].Findings != 1 {
		t.Errorf("Expected 1 finding in combined run, got %d", runs[0].Findings)
	}
	if env.mailer.count() != 2 {
		t.Errorf("Expected alert and combined mails, got %d", env.mailer.count())
	}
}

func TestTrigger(t *testing.T) {
	env := newTestEnv(t, Thresholds{})

	if !env.service.Trigger() {
		t.Error("Expected first trigger accepted")
	}
	if env.service.Trigger() {
		t.Error("Expected second trigger coalesced")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, Thresholds{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.service.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := env.service.Latest(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Expected startup cycle to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error on shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	env := newTestEnv(t, Thresholds{})
	env.service.opts.CombinedSchedule = "every tuesday"

	if err := env.service.Run(context.Background()); err == nil {
		t.Error("Expected error for invalid schedule")
	}
}
