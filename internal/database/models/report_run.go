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
package models

import (
	"time"
)

// Report kinds
const (
	KindDoS      = "dos"
	KindNotFound = "notfound"
	KindAuth     = "auth"
	KindCombined = "combined"
)

// ReportRun records one rendered report and the figures it was built from
type ReportRun struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Kind        string    `gorm:"not null;index"`
	Path        string    `gorm:"not null"`
	WindowStart time.Time
	WindowEnd   time.Time

	// Records analyzed and requests attributed to a source
	TotalRecords  int
	TotalRequests int

	// Offending IPs for DoS runs, attributed errors otherwise
	Findings int

	CPUPercent float64 `gorm:"column:cpu_percent"`
	MemoryMB   float64 `gorm:"column:memory_mb"`
	ReadKBps   float64 `gorm:"column:read_kbps"`
	WriteKBps  float64 `gorm:"column:write_kbps"`

	Emailed   bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ReportRun) TableName() string {
	return "report_runs"
}
