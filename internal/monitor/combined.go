package monitor

import (
	"context"
	"fmt"
	"time"

	"accesswatch/internal/database/models"
	"accesswatch/internal/notify"
	"accesswatch/internal/report"
	"accesswatch/internal/resources"
)

// RunCombined renders the report covering the runs of the last combined
// period together with the current resource usage, records it and mails it
func (s *Service) RunCombined(ctx context.Context) (string, error) {
	now := s.clock()
	since := now.Add(-s.opts.CombinedPeriod)

	summary, err := s.deps.Runs.Summarize(since)
	if err != nil {
		return "", fmt.Errorf("summarizing report runs: %w", err)
	}
	all, err := s.deps.Runs.FindSince(since)
	if err != nil {
		return "", fmt.Errorf("listing report runs: %w", err)
	}
	runs := make([]*models.ReportRun, 0, len(all))
	for _, run := range all {
		if run.Kind != models.KindCombined {
			runs = append(runs, run)
		}
	}

	usage := resources.Usage{Timestamp: now}
	if s.deps.Sampler != nil {
		if sampled, err := s.deps.Sampler.Sample(ctx); err != nil {
			s.logger.Warn("Resource sampling failed", s.logger.Args("error", err))
		} else {
			usage = sampled
		}
	}

	path, err := s.deps.Renderer.RenderCombined(report.Combined{
		Summary: summary,
		Runs:    runs,
		Usage:   usage,
	}, report.Meta{GeneratedAt: now, WindowStart: since, WindowEnd: now, Source: s.deps.Reader.Dir()})
	if err != nil {
		return "", err
	}

	run := &models.ReportRun{
		Kind:          models.KindCombined,
		Path:          path,
		WindowStart:   since,
		WindowEnd:     now,
		TotalRequests: int(summary.Requests(models.KindDoS)),
		Findings:      int(summary.Findings(models.KindDoS) + summary.Findings(models.KindNotFound) + summary.Findings(models.KindAuth)),
		CPUPercent:    usage.CPUPercent,
		MemoryMB:      usage.MemoryMB,
		ReadKBps:      usage.ReadKBps,
		WriteKBps:     usage.WriteKBps,
		CreatedAt:     now,
	}
	var ids []uint
	if err := s.deps.Runs.Create(run); err != nil {
		s.logger.WithCaller().Error("Failed to record combined report", s.logger.Args("error", err))
	} else {
		ids = append(ids, run.ID)
	}

	s.mail(ctx, notify.Message{
		Subject: fmt.Sprintf("[accesswatch] Combined report %s", now.Format(time.DateOnly)),
		Body: fmt.Sprintf("Combined report for %s to %s.\n\n404 errors: %d\n401/403 errors: %d\nSuspected DoS IPs: %d\nReports included: %d\n",
			since.Format(time.DateTime), now.Format(time.DateTime),
			summary.Findings(models.KindNotFound), summary.Findings(models.KindAuth),
			summary.Findings(models.KindDoS), len(runs)),
		Attachments: []string{path},
	}, ids)

	s.logger.Info("Combined report generated", s.logger.Args("path", path, "runs", len(runs)))
	return path, nil
}
