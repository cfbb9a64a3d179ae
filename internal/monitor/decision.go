package monitor

import (
	"time"

	"accesswatch/internal/analysis"
	"accesswatch/internal/resources"
)

// Alert reasons
const (
	ReasonDoS      = "dos"
	ReasonNotFound = "notfound"
	ReasonAuth     = "auth"
	ReasonCPU      = "cpu"
	ReasonMemory   = "memory"
)

// Thresholds decide when a cycle is worth reporting.
// A zero threshold disables its check.
type Thresholds struct {
	NotFound   int     `json:"notfound"`
	Auth       int     `json:"auth"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Decision is the alert evaluation of one cycle
type Decision struct {
	Offenders  int      `json:"offenders"`
	NotFound   int      `json:"notfound"`
	Auth       int      `json:"auth"`
	CPUPercent float64  `json:"cpu_percent"`
	MemoryMB   float64  `json:"memory_mb"`
	Reasons    []string `json:"reasons"`
}

// Triggered reports whether any check fired
func (d Decision) Triggered() bool {
	return len(d.Reasons) > 0
}

// Evaluate applies the thresholds to one cycle's results
func Evaluate(dos analysis.DoSResult, notFound, auth analysis.ErrorResult, usage resources.Usage, t Thresholds) Decision {
	d := Decision{
		Offenders:  len(dos.Offenders),
		NotFound:   notFound.Stats.Attributed,
		Auth:       auth.Stats.Attributed,
		CPUPercent: usage.CPUPercent,
		MemoryMB:   usage.MemoryMB,
		Reasons:    []string{},
	}

	if d.Offenders > 0 {
		d.Reasons = append(d.Reasons, ReasonDoS)
	}
	if t.NotFound > 0 && d.NotFound >= t.NotFound {
		d.Reasons = append(d.Reasons, ReasonNotFound)
	}
	if t.Auth > 0 && d.Auth >= t.Auth {
		d.Reasons = append(d.Reasons, ReasonAuth)
	}
	if t.CPUPercent > 0 && d.CPUPercent >= t.CPUPercent {
		d.Reasons = append(d.Reasons, ReasonCPU)
	}
	if t.MemoryMB > 0 && d.MemoryMB >= t.MemoryMB {
		d.Reasons = append(d.Reasons, ReasonMemory)
	}
	return d
}

// cooldown suppresses alerts for a period after the last one
type cooldown struct {
	period time.Duration
	last   time.Time
}

func (c *cooldown) allows(now time.Time) bool {
	return c.last.IsZero() || now.Sub(c.last) >= c.period
}

func (c *cooldown) mark(now time.Time) {
	c.last = now
}
