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
package repositories

import (
	"time"

	"accesswatch/internal/database/models"

	"gorm.io/gorm"
)

// KindSummary aggregates the runs of one report kind
type KindSummary struct {
	Kind     string `gorm:"column:kind" json:"kind"`
	Runs     int64  `gorm:"column:runs" json:"runs"`
	Findings int64  `gorm:"column:findings" json:"findings"`
	Requests int64  `gorm:"column:requests" json:"requests"`
}

// RunSummary aggregates every run created since a point in time
type RunSummary struct {
	Since        time.Time              `json:"since"`
	Kinds        map[string]KindSummary `json:"kinds"`
	PeakCPU      float64                `json:"peak_cpu_percent"`
	PeakMemoryMB float64                `json:"peak_memory_mb"`
	AvgReadKBps  float64                `json:"avg_read_kbps"`
	AvgWriteKBps float64                `json:"avg_write_kbps"`
}

// Findings returns the summed findings of kind, 0 when absent
func (s *RunSummary) Findings(kind string) int64 {
	return s.Kinds[kind].Findings
}

// Requests returns the summed requests of kind, 0 when absent
func (s *RunSummary) Requests(kind string) int64 {
	return s.Kinds[kind].Requests
}

type ReportRunRepository interface {
	Create(run *models.ReportRun) error
	FindSince(since time.Time) ([]*models.ReportRun, error)
	FindOlderThan(cutoff time.Time) ([]*models.ReportRun, error)
	DeleteByIDs(ids []uint) (int64, error)
	MarkEmailed(ids []uint) error
	Summarize(since time.Time) (*RunSummary, error)
}

type reportRunRepo struct {
	db *gorm.DB
}

func NewReportRunRepository(db *gorm.DB) ReportRunRepository {
	return &reportRunRepo{db: db}
}

func (r *reportRunRepo) Create(run *models.ReportRun) error {
	return r.db.Create(run).Error
}

func (r *reportRunRepo) FindSince(since time.Time) ([]*models.ReportRun, error) {
	var runs []*models.ReportRun
	err := r.db.Where("created_at >= ?", since.UTC()).
		Order("created_at DESC").
		Order("id DESC").
		Find(&runs).Error
	return runs, err
}

func (r *reportRunRepo) FindOlderThan(cutoff time.Time) ([]*models.ReportRun, error) {
	var runs []*models.ReportRun
	err := r.db.Where("created_at < ?", cutoff.UTC()).Order("id").Find(&runs).Error
	return runs, err
}

func (r *reportRunRepo) DeleteByIDs(ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.Where("id IN ?", ids).Delete(&models.ReportRun{})
	return result.RowsAffected, result.Error
}

func (r *reportRunRepo) MarkEmailed(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Model(&models.ReportRun{}).Where("id IN ?", ids).Update("emailed", true).Error
}

func (r *reportRunRepo) Summarize(since time.Time) (*RunSummary, error) {
	summary := &RunSummary{Since: since, Kinds: make(map[string]KindSummary)}

	var kinds []KindSummary
	err := r.db.Model(&models.ReportRun{}).
		Select("kind, COUNT(*) AS runs, COALESCE(SUM(findings), 0) AS findings, COALESCE(SUM(total_requests), 0) AS requests").
		Where("created_at >= ?", since.UTC()).
		Group("kind").
		Scan(&kinds).Error
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		summary.Kinds[k.Kind] = k
	}

	var usage struct {
		PeakCPU  float64 `gorm:"column:peak_cpu"`
		PeakMem  float64 `gorm:"column:peak_mem"`
		AvgRead  float64 `gorm:"column:avg_read"`
		AvgWrite float64 `gorm:"column:avg_write"`
	}
	err = r.db.Model(&models.ReportRun{}).
		Select("COALESCE(MAX(cpu_percent), 0) AS peak_cpu, COALESCE(MAX(memory_mb), 0) AS peak_mem, COALESCE(AVG(read_kbps), 0) AS avg_read, COALESCE(AVG(write_kbps), 0) AS avg_write").
		Where("created_at >= ? AND kind <> ?", since.UTC(), models.KindCombined).
		Scan(&usage).Error
	if err != nil {
		return nil, err
	}
	summary.PeakCPU = usage.PeakCPU
	summary.PeakMemoryMB = usage.PeakMem
	summary.AvgReadKBps = usage.AvgRead
	summary.AvgWriteKBps = usage.AvgWrite

	return summary, nil
}
