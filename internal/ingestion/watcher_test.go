package ingestion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"
)

func TestNewDirWatcher_MissingDir(t *testing.T) {
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)

	if _, err := NewDirWatcher(filepath.Join(t.TempDir(), "missing"), nil, 0, logger); err == nil {
		t.Error("Expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, nil, 0o644)
	if _, err := NewDirWatcher(file, nil, 0, logger); err == nil {
		t.Error("Expected error when path is not a directory")
	}
}

func TestDirWatcher_SignalsOnMatchingWrites(t *testing.T) {
	dir := t.TempDir()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)

	match := func(name string) bool { return strings.HasPrefix(filepath.Base(name), "access_log-") }
	w, err := NewDirWatcher(dir, match, 50*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewDirWatcher: %v", err)
	}
	defer w.Close()

	// Unrelated files never signal
	os.WriteFile(filepath.Join(dir, "error.log"), []byte("x\n"), 0o644)
	select {
	case <-w.Events():
		t.Fatal("Expected no signal for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	path := filepath.Join(dir, "access_log-2025-03-14")
	for i := 0; i < 5; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		f.WriteString("line\n")
		f.Close()
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected a signal after writes to the log file")
	}
}

func TestReader_IsLogFile(t *testing.T) {
	r := newTestReader(t, t.TempDir())

	testCases := []struct {
		path     string
		expected bool
	}{
		{"/var/log/web/access_log-2025-03-14", true},
		{"access_log-2025-13-01", false},
		{"/var/log/web/error_log-2025-03-14", false},
		{"access_log", false},
	}

	for _, tc := range testCases {
		if got := r.IsLogFile(tc.path); got != tc.expected {
			t.Errorf("IsLogFile(%s): expected %v, got %v", tc.path, tc.expected, got)
		}
	}
}
