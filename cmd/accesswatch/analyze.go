package main

import (
	"fmt"
	"strconv"
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/config"
	"accesswatch/internal/report"
	"accesswatch/internal/version"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

type analyzeOptions struct {
	date   string
	window time.Duration
	top    int
	html   bool
}

func newAnalyzeCommand(configPath *string) *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "analyze one day of access logs and print the findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			return runAnalyze(cmd, cfg, logger, opts)
		},
	}

	cmd.Flags().StringVar(&opts.date, "date", "", "day to analyze as YYYY-MM-DD (default today)")
	cmd.Flags().DurationVar(&opts.window, "window", 0, "window behind the newest record (default from config)")
	cmd.Flags().IntVar(&opts.top, "top", 10, "rows per table")
	cmd.Flags().BoolVar(&opts.html, "html", false, "also write the HTML reports to report-dir")
	return cmd
}

// parseDay parses a --date value in loc; empty means the current day
func parseDay(value string, now time.Time, loc *time.Location) (time.Time, error) {
	if value == "" {
		return now.In(loc), nil
	}
	day, err := time.ParseInLocation(dateLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q (want YYYY-MM-DD)", value)
	}
	return day, nil
}

func runAnalyze(cmd *cobra.Command, cfg *config.Config, logger *pterm.Logger, opts analyzeOptions) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	day, err := parseDay(opts.date, time.Now(), loc)
	if err != nil {
		return err
	}
	if opts.window > 0 {
		cfg.Window = opts.window
	}

	reader, err := newReader(cfg, logger, day)
	if err != nil {
		return err
	}
	window, err := reader.LoadDay(cmd.Context(), day)
	if err != nil {
		return err
	}

	dos, err := analysis.NewDoSDetector(cfg.DoS())
	if err != nil {
		return err
	}
	dosResult := dos.Analyze(window.Records)
	notFound := analysis.NewNotFoundAnalyzer().Analyze(window.Records)
	auth := analysis.NewAuthFailureAnalyzer().Analyze(window.Records)

	pterm.DefaultSection.Println("Access log " + reader.PathFor(day))
	pterm.Info.Printfln("%s lines, %s records in window (%s to %s)",
		humanize.Comma(int64(window.Stats.Lines)), humanize.Comma(int64(len(window.Records))),
		window.Cutoff.Format(time.DateTime), window.Newest.Format(time.DateTime))

	pterm.DefaultSection.Println("DoS")
	if len(dosResult.Offenders) == 0 {
		pterm.Success.Println("No suspicious IPs detected.")
	} else if err := renderTable(offenderRows(dosResult, opts.top)); err != nil {
		return err
	}

	for _, result := range []analysis.ErrorResult{notFound, auth} {
		label := errorLabel(result.Class)
		pterm.DefaultSection.Println(label)
		if result.NoData() {
			pterm.Success.Printfln("No %s errors detected.", label)
			continue
		}
		pterm.Info.Printfln("%d matched, %d attributed, %d unique paths, %d unique IPs",
			result.Stats.Matched, result.Stats.Attributed, result.Stats.UniquePaths, result.Stats.UniqueIPs)
		for _, table := range []struct {
			title   string
			entries []analysis.FrequencyEntry
		}{
			{"Path", result.PathFreq},
			{"IP", result.IPFreq},
			{"Client", result.ClientFreq},
		} {
			if err := renderTable(frequencyRows(table.title, table.entries, opts.top)); err != nil {
				return err
			}
		}
	}

	if !opts.html {
		return nil
	}
	renderer, err := report.NewRenderer(cfg.ReportDir, logger)
	if err != nil {
		return err
	}
	meta := report.Meta{WindowStart: window.Cutoff, WindowEnd: window.Newest, Source: reader.PathFor(day), Version: version.Version}
	paths := make([]string, 0, 3)
	path, err := renderer.RenderDoS(dosResult, meta, nil)
	if err != nil {
		return err
	}
	paths = append(paths, path)
	for _, result := range []analysis.ErrorResult{notFound, auth} {
		path, err := renderer.RenderErrors(result, meta)
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}
	for _, p := range paths {
		pterm.Success.Println("Report written to " + p)
	}
	return nil
}

func errorLabel(class string) string {
	if class == analysis.ClassAuthFailure {
		return "401/403"
	}
	return "404"
}

func renderTable(rows pterm.TableData) error {
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// offenderRows lists at most top offenders by peak rate
func offenderRows(result analysis.DoSResult, top int) pterm.TableData {
	rows := pterm.TableData{{"IP", "Peak/min", "Requests", "Sent", "Reasons"}}
	for i, o := range result.Ranked() {
		if top > 0 && i >= top {
			break
		}
		rows = append(rows, []string{
			o.IP,
			strconv.Itoa(o.MaxPerMinute),
			humanize.Comma(int64(o.TotalRequests)),
			humanize.Bytes(uint64(o.TotalBytes)),
			fmt.Sprint(o.Reasons),
		})
	}
	return rows
}

// frequencyRows lists at most top entries with their severity
func frequencyRows(title string, entries []analysis.FrequencyEntry, top int) pterm.TableData {
	rows := pterm.TableData{{title, "Count", "Severity"}}
	for i, e := range entries {
		if top > 0 && i >= top {
			break
		}
		rows = append(rows, []string{e.Item, strconv.Itoa(e.Count), strconv.Itoa(e.Severity)})
	}
	return rows
}
