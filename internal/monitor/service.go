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
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/config"
	"accesswatch/internal/database/models"
	"accesswatch/internal/database/repositories"
	"accesswatch/internal/enrichment"
	"accesswatch/internal/ingestion"
	"accesswatch/internal/notify"
	"accesswatch/internal/report"
	"accesswatch/internal/resources"

	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// UsageSampler measures the resource usage of the web server user
type UsageSampler interface {
	Sample(ctx context.Context) (resources.Usage, error)
}

// Locator resolves an IP to its GeoIP data
type Locator interface {
	Lookup(ip string) (enrichment.Location, error)
}

// Options configures the monitor loop
type Options struct {
	WindowMode       string
	Window           time.Duration
	PollInterval     time.Duration
	AlertCooldown    time.Duration
	Thresholds       Thresholds
	CombinedSchedule string
	CombinedPeriod   time.Duration
	Location         *time.Location
}

// Deps are the collaborators of the monitor. Sampler, Locator, Watcher
// and Mailer are optional.
type Deps struct {
	Reader    *ingestion.Reader
	DoS       *analysis.DoSDetector
	NotFound  *analysis.ErrorClassAnalyzer
	Auth      *analysis.ErrorClassAnalyzer
	Sampler   UsageSampler
	Locator   Locator
	Renderer  *report.Renderer
	Runs      repositories.ReportRunRepository
	Offenders repositories.OffenderRepository
	Mailer    notify.Mailer
	Watcher   *ingestion.DirWatcher
}

// WindowSummary describes the records a cycle analyzed
type WindowSummary struct {
	Mode    string              `json:"mode"`
	Cutoff  time.Time           `json:"cutoff"`
	Newest  time.Time           `json:"newest"`
	Records int                 `json:"records"`
	Stats   ingestion.ReadStats `json:"stats"`
}

// Snapshot is the outcome of one monitoring cycle
type Snapshot struct {
	CycleAt    time.Time            `json:"cycle_at"`
	Duration   time.Duration        `json:"duration"`
	Window     WindowSummary        `json:"window"`
	DoS        analysis.DoSResult   `json:"dos"`
	NotFound   analysis.ErrorResult `json:"notfound"`
	Auth       analysis.ErrorResult `json:"auth"`
	Usage      resources.Usage      `json:"usage"`
	Decision   Decision             `json:"decision"`
	Alerted    bool                 `json:"alerted"`
	Suppressed bool                 `json:"suppressed"`
	Reports    []string             `json:"reports"`
}

// Status summarizes the service since start
type Status struct {
	StartedAt     time.Time `json:"started_at"`
	Cycles        int64     `json:"cycles"`
	Alerts        int64     `json:"alerts"`
	FailedCycles  int64     `json:"failed_cycles"`
	LastCycle     time.Time `json:"last_cycle"`
	LastAlert     time.Time `json:"last_alert"`
	LastError     string    `json:"last_error,omitempty"`
	LogDir        string    `json:"log_dir"`
	WindowMode    string    `json:"window_mode"`
	Window        string    `json:"window"`
	MailerEnabled bool      `json:"mailer_enabled"`
}

// Service runs the analysis cycle on a timer and reports anomalies
type Service struct {
	deps    Deps
	opts    Options
	logger  *pterm.Logger
	clock   func() time.Time
	trigger chan struct{}

	cycleMu  sync.Mutex
	cooldown cooldown

	mu     sync.RWMutex
	latest *Snapshot
	status Status
}

// NewService creates a new monitor service
func NewService(deps Deps, opts Options, logger *pterm.Logger) (*Service, error) {
	if deps.Reader == nil || deps.DoS == nil || deps.NotFound == nil || deps.Auth == nil {
		return nil, errors.New("reader and analyzers are required")
	}
	if deps.Renderer == nil || deps.Runs == nil || deps.Offenders == nil {
		return nil, errors.New("renderer and repositories are required")
	}
	if opts.WindowMode == "" {
		opts.WindowMode = config.WindowRolling
	}
	if opts.WindowMode != config.WindowRolling && opts.WindowMode != config.WindowDay {
		return nil, fmt.Errorf("invalid window mode %q", opts.WindowMode)
	}
	if opts.Window <= 0 {
		opts.Window = deps.Reader.Window()
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid poll interval: %s", opts.PollInterval)
	}
	if opts.CombinedPeriod <= 0 {
		opts.CombinedPeriod = 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if deps.Mailer == nil {
		deps.Mailer = notify.NewNoopMailer(logger)
	}

	return &Service{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		clock:    time.Now,
		trigger:  make(chan struct{}, 1),
		cooldown: cooldown{period: opts.AlertCooldown},
		status: Status{
			LogDir:        deps.Reader.Dir(),
			WindowMode:    opts.WindowMode,
			Window:        opts.Window.String(),
			MailerEnabled: deps.Mailer.Enabled(),
		},
	}, nil
}

// Run executes cycles on the poll interval, on log activity and on
// Trigger until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.status.StartedAt = s.clock()
	s.mu.Unlock()

	var scheduler *cron.Cron
	if s.opts.CombinedSchedule != "" {
		scheduler = cron.New(cron.WithLocation(s.opts.Location))
		_, err := scheduler.AddFunc(s.opts.CombinedSchedule, func() {
			if _, err := s.RunCombined(ctx); err != nil {
				s.logger.WithCaller().Error("Combined report failed", s.logger.Args("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid combined report schedule: %w", err)
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	var activity <-chan struct{}
	if s.deps.Watcher != nil {
		activity = s.deps.Watcher.Events()
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Monitor started",
		s.logger.Args("log_dir", s.deps.Reader.Dir(), "mode", s.opts.WindowMode,
			"window", s.opts.Window, "poll_interval", s.opts.PollInterval))

	s.runLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Monitor stopped")
			return nil
		case <-ticker.C:
			s.runLogged(ctx, "timer")
		case _, ok := <-activity:
			if !ok {
				activity = nil
				continue
			}
			s.runLogged(ctx, "log activity")
		case <-s.trigger:
			s.runLogged(ctx, "manual")
		}
	}
}

// Trigger requests a cycle from the running loop. It never blocks.
func (s *Service) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Service) runLogged(ctx context.Context, cause string) {
	s.logger.Trace("Starting cycle", s.logger.Args("cause", cause))
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithCaller().Error("Monitoring cycle failed", s.logger.Args("cause", cause, "error", err))
	}
}

// RunCycle loads the current window, runs the analyzers concurrently and
// reports when a threshold is crossed outside the alert cooldown
func (s *Service) RunCycle(ctx context.Context) (*Snapshot, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.clock()
	snap, err := s.analyze(ctx, start)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}

	if snap.Decision.Triggered() {
		if s.cooldown.allows(start) {
			paths, err := s.alert(ctx, snap)
			snap.Reports = paths
			if err != nil {
				s.recordFailure(err)
				return nil, err
			}
			snap.Alerted = true
			s.cooldown.mark(start)
		} else {
			snap.Suppressed = true
			s.logger.Debug("Alert suppressed by cooldown",
				s.logger.Args("reasons", snap.Decision.Reasons, "last_alert", s.cooldown.last))
		}
	}

	snap.Duration = s.clock().Sub(start)

	s.mu.Lock()
	s.latest = snap
	s.status.Cycles++
	s.status.LastCycle = start
	s.status.LastError = ""
	if snap.Alerted {
		s.status.Alerts++
		s.status.LastAlert = start
	}
	s.mu.Unlock()

	s.logger.Debug("Cycle complete",
		s.logger.Args("records", snap.Window.Records, "offenders", snap.Decision.Offenders,
			"notfound", snap.Decision.NotFound, "auth", snap.Decision.Auth,
			"alerted", snap.Alerted, "duration", snap.Duration))
	return snap, nil
}

func (s *Service) analyze(ctx context.Context, now time.Time) (*Snapshot, error) {
	window, err := s.load(ctx, now)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		CycleAt: now,
		Window: WindowSummary{
			Mode:    s.opts.WindowMode,
			Cutoff:  window.Cutoff,
			Newest:  window.Newest,
			Records: len(window.Records),
			Stats:   window.Stats,
		},
		Reports: []string{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.DoS = s.deps.DoS.Analyze(window.Records)
		return nil
	})
	g.Go(func() error {
		snap.NotFound = s.deps.NotFound.Analyze(window.Records)
		return nil
	})
	g.Go(func() error {
		snap.Auth = s.deps.Auth.Analyze(window.Records)
		return nil
	})
	if s.deps.Sampler != nil {
		g.Go(func() error {
			usage, err := s.deps.Sampler.Sample(gctx)
			if err != nil {
				s.logger.Warn("Resource sampling failed", s.logger.Args("error", err))
				return nil
			}
			snap.Usage = usage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap.Decision = Evaluate(snap.DoS, snap.NotFound, snap.Auth, snap.Usage, s.opts.Thresholds)
	return snap, nil
}

func (s *Service) load(ctx context.Context, now time.Time) (ingestion.Window, error) {
	if s.opts.WindowMode == config.WindowDay {
		return s.deps.Reader.LoadDay(ctx, now)
	}
	return s.deps.Reader.LoadRecent(ctx, s.opts.Window)
}

// alert renders the three reports, records them and mails them
func (s *Service) alert(ctx context.Context, snap *Snapshot) ([]string, error) {
	locations := s.locate(snap.DoS)
	meta := report.Meta{
		GeneratedAt: snap.CycleAt,
		WindowStart: snap.Window.Cutoff,
		WindowEnd:   snap.Window.Newest,
		Source:      s.deps.Reader.Dir(),
	}

	dosPath, err := s.deps.Renderer.RenderDoS(snap.DoS, meta, locations)
	if err != nil {
		return nil, err
	}
	notFoundPath, err := s.deps.Renderer.RenderErrors(snap.NotFound, meta)
	if err != nil {
		return []string{dosPath}, err
	}
	authPath, err := s.deps.Renderer.RenderErrors(snap.Auth, meta)
	if err != nil {
		return []string{dosPath, notFoundPath}, err
	}
	paths := []string{dosPath, notFoundPath, authPath}

	runs := []*models.ReportRun{
		s.newRun(models.KindDoS, dosPath, snap, snap.DoS.Stats.TotalRequests, len(snap.DoS.Offenders)),
		s.newRun(models.KindNotFound, notFoundPath, snap, snap.NotFound.Stats.Matched, snap.NotFound.Stats.Attributed),
		s.newRun(models.KindAuth, authPath, snap, snap.Auth.Stats.Matched, snap.Auth.Stats.Attributed),
	}
	ids := make([]uint, 0, len(runs))
	for _, run := range runs {
		if err := s.deps.Runs.Create(run); err != nil {
			s.logger.WithCaller().Error("Failed to record report run",
				s.logger.Args("kind", run.Kind, "error", err))
			continue
		}
		ids = append(ids, run.ID)
	}

	s.recordOffenders(snap, locations)

	s.mail(ctx, notify.Message{
		Subject:     fmt.Sprintf("[accesswatch] Alert: %s", strings.Join(snap.Decision.Reasons, ", ")),
		Body:        alertBody(snap),
		Attachments: paths,
	}, ids)

	s.logger.Warn("Anomaly reported",
		s.logger.Args("reasons", snap.Decision.Reasons, "offenders", snap.Decision.Offenders,
			"notfound", snap.Decision.NotFound, "auth", snap.Decision.Auth))
	return paths, nil
}

func (s *Service) newRun(kind, path string, snap *Snapshot, requests, findings int) *models.ReportRun {
	return &models.ReportRun{
		Kind:          kind,
		Path:          path,
		WindowStart:   snap.Window.Cutoff,
		WindowEnd:     snap.Window.Newest,
		TotalRecords:  snap.Window.Records,
		TotalRequests: requests,
		Findings:      findings,
		CPUPercent:    snap.Usage.CPUPercent,
		MemoryMB:      snap.Usage.MemoryMB,
		ReadKBps:      snap.Usage.ReadKBps,
		WriteKBps:     snap.Usage.WriteKBps,
		CreatedAt:     snap.CycleAt,
	}
}

func (s *Service) locate(result analysis.DoSResult) map[string]enrichment.Location {
	locations := make(map[string]enrichment.Location, len(result.Offenders))
	if s.deps.Locator == nil {
		return locations
	}
	for ip := range result.Offenders {
		loc, err := s.deps.Locator.Lookup(ip)
		if err != nil {
			s.logger.Debug("GeoIP lookup failed", s.logger.Args("ip", ip, "error", err))
			continue
		}
		locations[ip] = loc
	}
	return locations
}

func (s *Service) recordOffenders(snap *Snapshot, locations map[string]enrichment.Location) {
	for _, o := range snap.DoS.Ranked() {
		lastSeen := snap.CycleAt
		if len(o.Samples) > 0 {
			lastSeen = o.Samples[0].Timestamp
		}
		loc := locations[o.IP]
		row := &models.Offender{
			IPAddress:     o.IP,
			LastSeen:      lastSeen,
			PeakPerMinute: o.MaxPerMinute,
			TotalRequests: int64(o.TotalRequests),
			TotalBytes:    o.TotalBytes,
			LastReasons:   strings.Join(o.Reasons, ","),
			Country:       loc.Country,
			CountryName:   loc.CountryName,
			City:          loc.City,
			ASN:           loc.ASN,
			ASNOrg:        loc.ASNOrg,
		}
		if err := s.deps.Offenders.Upsert(row); err != nil {
			s.logger.WithCaller().Error("Failed to record offender",
				s.logger.Args("ip", o.IP, "error", err))
		}
	}
}

// mail sends msg and flags the runs as emailed on success
func (s *Service) mail(ctx context.Context, msg notify.Message, runIDs []uint) {
	if !s.deps.Mailer.Enabled() {
		s.deps.Mailer.Send(ctx, msg)
		return
	}
	if err := s.deps.Mailer.Send(ctx, msg); err != nil {
		s.logger.WithCaller().Warn("Report email not delivered", s.logger.Args("error", err))
		return
	}
	if err := s.deps.Runs.MarkEmailed(runIDs); err != nil {
		s.logger.WithCaller().Warn("Failed to flag runs as emailed", s.logger.Args("error", err))
	}
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.FailedCycles++
	s.status.LastError = err.Error()
}

// Latest returns the snapshot of the last successful cycle
func (s *Service) Latest() (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

// Status returns the counters since start
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Runs returns the report run repository
func (s *Service) Runs() repositories.ReportRunRepository {
	return s.deps.Runs
}

// Offenders returns the offender repository
func (s *Service) Offenders() repositories.OffenderRepository {
	return s.deps.Offenders
}

func alertBody(snap *Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "accesswatch detected anomalies at %s.\n\n", snap.CycleAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Window: %s to %s (%d records)\n",
		snap.Window.Cutoff.Format(time.DateTime), snap.Window.Newest.Format(time.DateTime), snap.Window.Records)
	fmt.Fprintf(&b, "Suspicious IPs: %d\n", snap.Decision.Offenders)
	fmt.Fprintf(&b, "404 errors: %d\n", snap.Decision.NotFound)
	fmt.Fprintf(&b, "401/403 errors: %d\n", snap.Decision.Auth)
	fmt.Fprintf(&b, "CPU: %.1f%%  Memory: %.1f MB\n", snap.Usage.CPUPercent, snap.Usage.MemoryMB)
	fmt.Fprintf(&b, "\nTriggered by: %s\nReports are attached.\n", strings.Join(snap.Decision.Reasons, ", "))
	return b.String()
}
