package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"accesswatch/internal/parser/accesslog"

	"github.com/pterm/pterm"
)

func testLogger() *pterm.Logger {
	return pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
}

func logLine(ip string, ts time.Time, path string, status int) string {
	return fmt.Sprintf(`%s "%s" "GET %s HTTP/1.1" %d 100 200 "test-agent/1.0"`,
		ip, accesslog.FormatDate(ts), path, status)
}

func writeLog(t *testing.T, dir string, day time.Time, lines ...string) {
	t.Helper()
	name := filepath.Join(dir, day.Format(DefaultFileTemplate))
	if err := os.WriteFile(name, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newTestReader(t *testing.T, dir string, opts ...ReaderOption) *Reader {
	t.Helper()
	logger := testLogger()
	r, err := NewReader(dir, accesslog.NewParser(time.UTC, logger), logger, opts...)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestNewReader_Validation(t *testing.T) {
	logger := testLogger()
	parser := accesslog.NewParser(time.UTC, logger)

	testCases := []struct {
		name string
		dir  string
		p    *accesslog.Parser
		opts []ReaderOption
	}{
		{"empty dir", "", parser, nil},
		{"nil parser", "/tmp", nil, nil},
		{"zero window", "/tmp", parser, []ReaderOption{WithWindow(0)}},
		{"negative window", "/tmp", parser, []ReaderOption{WithWindow(-time.Minute)}},
		{"empty template", "/tmp", parser, []ReaderOption{WithFileTemplate(" ")}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewReader(tc.dir, tc.p, logger, tc.opts...); err == nil {
				t.Errorf("Expected error for %s", tc.name)
			}
		})
	}
}

func TestReader_PathFor(t *testing.T) {
	r := newTestReader(t, "/var/log/web")
	day := time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)

	expected := filepath.Join("/var/log/web", "access_log-2025-03-14")
	if got := r.PathFor(day); got != expected {
		t.Errorf("Expected path %s, got %s", expected, got)
	}
}

func TestReader_LoadDay_Window(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	writeLog(t, dir, day,
		logLine("10.0.0.1", base, "/a", 200),                     // 30 min before newest
		logLine("10.0.0.2", base.Add(14*time.Minute), "/b", 200), // just outside
		logLine("10.0.0.3", base.Add(15*time.Minute), "/c", 404), // exactly cutoff
		"garbage line",
		logLine("10.0.0.4", base.Add(30*time.Minute), "/d", 200), // newest
		logLine("10.0.0.5", base.Add(20*time.Minute), "/e", 401), // out of order, inside
	)

	r := newTestReader(t, dir)
	w, err := r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}

	expectedIPs := []string{"10.0.0.3", "10.0.0.4", "10.0.0.5"}
	if len(w.Records) != len(expectedIPs) {
		t.Fatalf("Expected %d records, got %d", len(expectedIPs), len(w.Records))
	}
	for i, ip := range expectedIPs {
		if w.Records[i].SourceIP != ip {
			t.Errorf("Expected record %d from %s, got %s", i, ip, w.Records[i].SourceIP)
		}
	}

	if !w.Newest.Equal(base.Add(30 * time.Minute)) {
		t.Errorf("Expected newest %v, got %v", base.Add(30*time.Minute), w.Newest)
	}
	if !w.Cutoff.Equal(base.Add(15 * time.Minute)) {
		t.Errorf("Expected cutoff %v, got %v", base.Add(15*time.Minute), w.Cutoff)
	}
	if w.Stats.Lines != 6 || w.Stats.Matched != 5 || w.Stats.Dated != 5 || w.Stats.Kept != 3 {
		t.Errorf("Unexpected stats: %+v", w.Stats)
	}
	if w.Stats.Skipped() != 1 {
		t.Errorf("Expected 1 skipped line, got %d", w.Stats.Skipped())
	}
}

func TestReader_LoadDay_WindowFollowsNewest(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	lines := []string{
		logLine("10.0.0.1", base, "/a", 200),
		logLine("10.0.0.2", base.Add(10*time.Minute), "/b", 200),
	}
	writeLog(t, dir, day, lines...)

	r := newTestReader(t, dir)
	w, err := r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(w.Records) != 2 {
		t.Fatalf("Expected both records inside window, got %d", len(w.Records))
	}

	// A later record shifts the whole window forward
	lines = append(lines, logLine("10.0.0.3", base.Add(26*time.Minute), "/c", 200))
	writeLog(t, dir, day, lines...)

	w, err = r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(w.Records) != 1 || w.Records[0].SourceIP != "10.0.0.3" {
		t.Errorf("Expected only the newest record, got %d records", len(w.Records))
	}
}

func TestReader_LoadDay_CustomWindow(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	writeLog(t, dir, day,
		logLine("10.0.0.1", base, "/a", 200),
		logLine("10.0.0.2", base.Add(50*time.Minute), "/b", 200),
	)

	r := newTestReader(t, dir, WithWindow(time.Hour))
	w, err := r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(w.Records) != 2 {
		t.Errorf("Expected 2 records with one hour window, got %d", len(w.Records))
	}
}

func TestReader_LoadDay_MissingFile(t *testing.T) {
	r := newTestReader(t, t.TempDir())

	w, err := r.LoadDay(context.Background(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if !w.Empty() {
		t.Errorf("Expected empty window, got %d records", len(w.Records))
	}
	if w.Stats.Files != 0 {
		t.Errorf("Expected 0 files read, got %d", w.Stats.Files)
	}
}

func TestReader_LoadDay_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if err := os.WriteFile(filepath.Join(dir, day.Format(DefaultFileTemplate)), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := newTestReader(t, dir)
	w, err := r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if !w.Empty() {
		t.Errorf("Expected empty window, got %d records", len(w.Records))
	}
	if w.Stats.Files != 1 || w.Stats.Lines != 0 {
		t.Errorf("Unexpected stats: %+v", w.Stats)
	}
}

func TestReader_LoadDay_UndatedRecords(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	undated := `10.9.9.9 "yesterday-ish" "GET /z HTTP/1.1" 200 1 2 "agent"`
	writeLog(t, dir, day,
		logLine("10.0.0.1", base, "/a", 200),
		undated,
	)

	r := newTestReader(t, dir)
	w, err := r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(w.Records) != 1 {
		t.Errorf("Expected undated record dropped by default, got %d records", len(w.Records))
	}
	if w.Stats.Matched != 2 || w.Stats.Dated != 1 {
		t.Errorf("Unexpected stats: %+v", w.Stats)
	}

	r = newTestReader(t, dir, WithUndatedRecords(true))
	w, err = r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(w.Records) != 2 || w.Records[1].SourceIP != "10.9.9.9" {
		t.Errorf("Expected undated record kept in file order, got %d records", len(w.Records))
	}
	if !w.Newest.Equal(base) {
		t.Errorf("Expected undated record not to move the window, newest %v", w.Newest)
	}
}

func TestReader_LoadDay_OnlyUndated(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	writeLog(t, dir, day, `10.9.9.9 "not a date" "GET /z HTTP/1.1" 200 1 2 "agent"`)

	r := newTestReader(t, dir, WithUndatedRecords(true))
	w, err := r.LoadDay(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if !w.Empty() {
		t.Errorf("Expected empty window when nothing is dated, got %d records", len(w.Records))
	}
}

func TestReader_LoadRecent_SpansDays(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 15, 0, 5, 0, 0, time.UTC)
	yesterday := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	writeLog(t, dir, yesterday,
		logLine("10.0.0.1", now.Add(-time.Hour), "/old", 200),
		logLine("10.0.0.2", now.Add(-10*time.Minute), "/late", 200),
	)
	writeLog(t, dir, now,
		logLine("10.0.0.3", now.Add(-time.Minute), "/new", 200),
	)

	r := newTestReader(t, dir, WithClock(func() time.Time { return now }))
	w, err := r.LoadRecent(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}

	if len(w.Records) != 2 {
		t.Fatalf("Expected 2 records across the day boundary, got %d", len(w.Records))
	}
	if w.Records[0].SourceIP != "10.0.0.2" || w.Records[1].SourceIP != "10.0.0.3" {
		t.Errorf("Expected file order 10.0.0.2, 10.0.0.3, got %s, %s",
			w.Records[0].SourceIP, w.Records[1].SourceIP)
	}
	if w.Stats.Files != 2 {
		t.Errorf("Expected 2 files read, got %d", w.Stats.Files)
	}
	if !w.Cutoff.Equal(now.Add(-15 * time.Minute)) {
		t.Errorf("Expected cutoff %v, got %v", now.Add(-15*time.Minute), w.Cutoff)
	}
	if !w.Newest.Equal(now.Add(-time.Minute)) {
		t.Errorf("Expected newest %v, got %v", now.Add(-time.Minute), w.Newest)
	}
}

func TestReader_LoadRecent_StaleLog(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	writeLog(t, dir, now, logLine("10.0.0.1", now.Add(-2*time.Hour), "/a", 200))

	r := newTestReader(t, dir, WithClock(func() time.Time { return now }))
	w, err := r.LoadRecent(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if !w.Empty() {
		t.Errorf("Expected stale log to yield empty window, got %d records", len(w.Records))
	}
}

func TestReader_LoadRecent_InvalidDuration(t *testing.T) {
	r := newTestReader(t, t.TempDir())

	if _, err := r.LoadRecent(context.Background(), 0); err == nil {
		t.Error("Expected error for zero duration")
	}
}

func TestReader_Cancelled(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	writeLog(t, dir, day, logLine("10.0.0.1", day.Add(time.Hour), "/a", 200))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestReader(t, dir)
	_, err := r.LoadDay(ctx, day)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
