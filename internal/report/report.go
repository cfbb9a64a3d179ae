package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/database/models"
	"accesswatch/internal/database/repositories"
	"accesswatch/internal/enrichment"
	"accesswatch/internal/resources"
	"accesswatch/internal/version"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

//go:embed templates
var templatesFS embed.FS

// File name prefixes, one per report kind
const (
	PrefixDoS      = "dos-report"
	PrefixNotFound = "404-report"
	PrefixAuth     = "401-403-report"
	PrefixCombined = "combined-report"

	timestampLayout = "20060102-150405"
)

// Meta describes when and from what a report was built
type Meta struct {
	GeneratedAt time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	Source      string
	Version     string
}

// LocatedOffender is a DoS offender with its GeoIP data
type LocatedOffender struct {
	analysis.Offender
	Location enrichment.Location
}

// Combined holds the figures of a combined report
type Combined struct {
	Summary *repositories.RunSummary
	Runs    []*models.ReportRun
	Usage   resources.Usage
}

// Share is one incident kind's part of all incidents
type Share struct {
	Label   string
	Count   int64
	Percent float64
}

type frequencyTable struct {
	Title   string
	Label   string
	Entries []analysis.FrequencyEntry
}

type dosView struct {
	Title     string
	Meta      Meta
	Stats     analysis.DoSStats
	Offenders []LocatedOffender
}

type errorView struct {
	analysis.ErrorResult
	Title string
	Label string
	Meta  Meta
}

type combinedView struct {
	Title    string
	Meta     Meta
	Summary  *repositories.RunSummary
	Runs     []*models.ReportRun
	Usage    resources.Usage
	NotFound int64
	Auth     int64
	DoS      int64
	Requests int64
	Shares   []Share
}

// Renderer writes HTML reports into a directory
type Renderer struct {
	dir       string
	logger    *pterm.Logger
	clock     func() time.Time
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer writing into dir
func NewRenderer(dir string, logger *pterm.Logger) (*Renderer, error) {
	if dir == "" {
		return nil, fmt.Errorf("report directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory %s: %w", dir, err)
	}

	templates := make(map[string]*template.Template)
	for _, name := range []string{"dos", "errors", "combined"} {
		t, err := template.New(name).Funcs(funcMap()).ParseFS(templatesFS,
			"templates/layout.tmpl", "templates/"+name+".tmpl")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		templates[name] = t
	}

	return &Renderer{
		dir:       dir,
		logger:    logger,
		clock:     time.Now,
		templates: templates,
	}, nil
}

// Dir returns the report directory
func (r *Renderer) Dir() string {
	return r.dir
}

// RenderDoS writes a DoS report. locations may be nil.
func (r *Renderer) RenderDoS(result analysis.DoSResult, meta Meta, locations map[string]enrichment.Location) (string, error) {
	ranked := result.Ranked()
	offenders := make([]LocatedOffender, 0, len(ranked))
	for _, o := range ranked {
		offenders = append(offenders, LocatedOffender{Offender: o, Location: locations[o.IP]})
	}

	meta = r.fill(meta)
	return r.write("dos", PrefixDoS, meta.GeneratedAt, dosView{
		Title:     "DoS Detection Report",
		Meta:      meta,
		Stats:     result.Stats,
		Offenders: offenders,
	})
}

// RenderErrors writes a 404 or 401/403 report depending on the result class
func (r *Renderer) RenderErrors(result analysis.ErrorResult, meta Meta) (string, error) {
	view := errorView{ErrorResult: result, Meta: r.fill(meta)}
	prefix := PrefixNotFound
	switch result.Class {
	case analysis.ClassAuthFailure:
		view.Title = "401/403 Authorization Failure Report"
		view.Label = "401/403"
		prefix = PrefixAuth
	default:
		view.Title = "404 Not Found Report"
		view.Label = "404"
	}
	return r.write("errors", prefix, view.Meta.GeneratedAt, view)
}

// RenderCombined writes the periodic combined report
func (r *Renderer) RenderCombined(c Combined, meta Meta) (string, error) {
	if c.Summary == nil {
		return "", fmt.Errorf("combined report requires a run summary")
	}

	view := combinedView{
		Title:    "Combined Security Report",
		Meta:     r.fill(meta),
		Summary:  c.Summary,
		Runs:     c.Runs,
		Usage:    c.Usage,
		NotFound: c.Summary.Findings(models.KindNotFound),
		Auth:     c.Summary.Findings(models.KindAuth),
		DoS:      c.Summary.Findings(models.KindDoS),
		Requests: c.Summary.Requests(models.KindDoS),
	}
	view.Shares = Shares(view.NotFound, view.Auth, view.DoS)

	return r.write("combined", PrefixCombined, view.Meta.GeneratedAt, view)
}

// Shares splits the incident counts into percentages, empty when all are zero
func Shares(notFound, auth, dos int64) []Share {
	total := notFound + auth + dos
	if total <= 0 {
		return nil
	}
	shares := []Share{
		{Label: "404 errors", Count: notFound},
		{Label: "401/403 errors", Count: auth},
		{Label: "Suspected DoS IPs", Count: dos},
	}
	for i := range shares {
		shares[i].Percent = float64(shares[i].Count) * 100 / float64(total)
	}
	return shares
}

// FileName returns the report file name for prefix at t
func FileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s.html", prefix, t.Format(timestampLayout))
}

func (r *Renderer) fill(meta Meta) Meta {
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = r.clock()
	}
	if meta.Version == "" {
		meta.Version = version.Version
	}
	return meta
}

func (r *Renderer) write(name, prefix string, at time.Time, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.templates[name].ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("rendering %s report: %w", name, err)
	}

	path := filepath.Join(r.dir, FileName(prefix, at))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing report %s: %w", path, err)
	}

	r.logger.Info("Report written", r.logger.Args("kind", prefix, "path", path, "size", humanize.Bytes(uint64(buf.Len()))))
	return path, nil
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"comma": func(v any) string {
			switch n := v.(type) {
			case int:
				return humanize.Comma(int64(n))
			case int64:
				return humanize.Comma(n)
			default:
				return fmt.Sprint(v)
			}
		},
		"bytes": func(v int64) string {
			if v < 0 {
				return "0 B"
			}
			return humanize.Bytes(uint64(v))
		},
		"fmtTime": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Format("2006-01-02 15:04:05 MST")
		},
		"fmtMinute": func(t time.Time) string {
			return t.Format("2006-01-02 15:04")
		},
		"join": strings.Join,
		"base": filepath.Base,
		"table": func(title, label string, entries []analysis.FrequencyEntry) frequencyTable {
			return frequencyTable{Title: title, Label: label, Entries: entries}
		},
	}
}
