package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accesswatch/internal/parser/accesslog"

	"github.com/pterm/pterm"
)

const (
	// DefaultFileTemplate names one log file per calendar day
	DefaultFileTemplate = "access_log-2006-01-02"

	// DefaultWindow is the span kept behind the newest record
	DefaultWindow = 15 * time.Minute

	maxLineSize = 1024 * 1024
)

// ReadStats counts what happened to the lines of one load
type ReadStats struct {
	Files   int `json:"files"`
	Lines   int `json:"lines"`
	Matched int `json:"matched"`
	Dated   int `json:"dated"`
	Kept    int `json:"kept"`
}

// Skipped returns the number of lines that did not follow the log grammar
func (s ReadStats) Skipped() int {
	return s.Lines - s.Matched
}

// Window is the bounded set of records one analysis cycle works on
type Window struct {
	Records []accesslog.LogRecord `json:"-"`
	Cutoff  time.Time             `json:"cutoff"`
	Newest  time.Time             `json:"newest"`
	Stats   ReadStats             `json:"stats"`
}

// Empty reports whether the window holds no records
func (w Window) Empty() bool {
	return len(w.Records) == 0
}

// ReaderOption configures a Reader
type ReaderOption func(*Reader)

// WithFileTemplate sets the time layout used to name daily log files
func WithFileTemplate(layout string) ReaderOption {
	return func(r *Reader) {
		r.fileTemplate = layout
	}
}

// WithWindow sets the span kept behind the newest record in day mode
func WithWindow(d time.Duration) ReaderOption {
	return func(r *Reader) {
		r.window = d
	}
}

// WithClock replaces time.Now, used by rolling loads
func WithClock(clock func() time.Time) ReaderOption {
	return func(r *Reader) {
		r.clock = clock
	}
}

// WithUndatedRecords keeps matched records whose date did not parse.
// They never move the window.
func WithUndatedRecords(keep bool) ReaderOption {
	return func(r *Reader) {
		r.keepUndated = keep
	}
}

// Reader loads the recent window of access log records from daily files
type Reader struct {
	dir          string
	fileTemplate string
	window       time.Duration
	keepUndated  bool
	clock        func() time.Time
	parser       *accesslog.Parser
	logger       *pterm.Logger
}

// NewReader creates a new window reader for the log files in dir
func NewReader(dir string, parser *accesslog.Parser, logger *pterm.Logger, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		dir:          dir,
		fileTemplate: DefaultFileTemplate,
		window:       DefaultWindow,
		clock:        time.Now,
		parser:       parser,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.dir == "" {
		return nil, errors.New("log directory is required")
	}
	if r.parser == nil {
		return nil, errors.New("parser is required")
	}
	if r.window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", r.window)
	}
	if strings.TrimSpace(r.fileTemplate) == "" {
		return nil, errors.New("file template is required")
	}
	return r, nil
}

// Dir returns the directory the reader loads from
func (r *Reader) Dir() string {
	return r.dir
}

// Window returns the day-mode window span
func (r *Reader) Window() time.Duration {
	return r.window
}

// PathFor returns the log file for the calendar day of t
func (r *Reader) PathFor(t time.Time) string {
	return filepath.Join(r.dir, t.In(r.parser.Location()).Format(r.fileTemplate))
}

// IsLogFile reports whether the base name of path follows the daily file template
func (r *Reader) IsLogFile(path string) bool {
	_, err := time.Parse(r.fileTemplate, filepath.Base(path))
	return err == nil
}

// LoadDay reads the log file for day and keeps the records no older than
// the configured window behind the newest timestamp in the file.
// A missing or unreadable file yields an empty window.
func (r *Reader) LoadDay(ctx context.Context, day time.Time) (Window, error) {
	var stats ReadStats
	records, err := r.readFile(ctx, r.PathFor(day), &stats)
	if err != nil {
		return Window{Stats: stats}, err
	}

	var newest time.Time
	found := false
	for _, rec := range records {
		if rec.Dated() && (!found || rec.Timestamp.After(newest)) {
			newest = rec.Timestamp
			found = true
		}
	}
	if !found {
		r.logger.Debug("No dated records in log file",
			r.logger.Args("day", day.Format("2006-01-02"), "lines", stats.Lines))
		return Window{Stats: stats}, nil
	}

	cutoff := newest.Add(-r.window)
	w := r.filter(records, cutoff, stats)
	w.Newest = newest
	return w, nil
}

// LoadRecent reads every daily file from the day of now-d through today and
// keeps the records no older than now-d. Unlike LoadDay the window follows
// the wall clock, so a stale log yields an empty window.
func (r *Reader) LoadRecent(ctx context.Context, d time.Duration) (Window, error) {
	if d <= 0 {
		return Window{}, fmt.Errorf("duration must be positive, got %s", d)
	}

	loc := r.parser.Location()
	now := r.clock().In(loc)
	cutoff := now.Add(-d)

	var stats ReadStats
	var records []accesslog.LogRecord
	for day := startOfDay(cutoff); !day.After(now); day = day.AddDate(0, 0, 1) {
		recs, err := r.readFile(ctx, r.PathFor(day), &stats)
		if err != nil {
			return Window{Stats: stats}, err
		}
		records = append(records, recs...)
	}

	w := r.filter(records, cutoff, stats)
	for _, rec := range w.Records {
		if rec.Dated() && rec.Timestamp.After(w.Newest) {
			w.Newest = rec.Timestamp
		}
	}
	return w, nil
}

func (r *Reader) filter(records []accesslog.LogRecord, cutoff time.Time, stats ReadStats) Window {
	kept := make([]accesslog.LogRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Dated() {
			if r.keepUndated {
				kept = append(kept, rec)
			}
			continue
		}
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	stats.Kept = len(kept)

	r.logger.Debug("Loaded log window",
		r.logger.Args("cutoff", cutoff.Format(time.RFC3339), "kept", stats.Kept,
			"lines", stats.Lines, "skipped", stats.Skipped()))

	return Window{Records: kept, Cutoff: cutoff, Stats: stats}
}

// readFile parses every matching line of path in file order.
// Only context cancellation is returned as an error.
func (r *Reader) readFile(ctx context.Context, path string, stats *ReadStats) ([]accesslog.LogRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("Log file does not exist", r.logger.Args("path", path))
		} else {
			r.logger.WithCaller().Warn("Cannot open log file", r.logger.Args("path", path, "error", err))
		}
		return nil, nil
	}
	defer file.Close()
	stats.Files++

	return r.scan(ctx, file, path, stats)
}

func (r *Reader) scan(ctx context.Context, src io.Reader, path string, stats *ReadStats) ([]accesslog.LogRecord, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var records []accesslog.LogRecord
	for scanner.Scan() {
		if stats.Lines%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
		}
		stats.Lines++

		rec, err := r.parser.Parse(scanner.Text())
		if err != nil {
			r.logger.Trace("Skipping malformed log line",
				r.logger.Args("path", path, "line", stats.Lines))
			continue
		}
		stats.Matched++
		if rec.Dated() {
			stats.Dated++
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		// Lines read so far are still usable
		r.logger.WithCaller().Warn("Stopped reading log file early",
			r.logger.Args("path", path, "error", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return records, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
