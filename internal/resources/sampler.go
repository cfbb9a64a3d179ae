package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is the aggregated resource usage of one user's processes
type Usage struct {
	Timestamp  time.Time `json:"timestamp"`
	User       string    `json:"user"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	ReadKBps   float64   `json:"read_kbps"`
	WriteKBps  float64   `json:"write_kbps"`
}

type ioCounters struct {
	read  uint64
	write uint64
}

// Sampler measures CPU, memory and disk IO of the processes owned by a user.
// CPU and IO are deltas since the previous sample, so the first sample
// reports zero for both.
type Sampler struct {
	user   string
	logger *pterm.Logger
	clock  func() time.Time

	mu       sync.Mutex
	procs    map[int32]*process.Process
	lastIO   map[int32]ioCounters
	lastTime time.Time
}

// NewSampler creates a new sampler for the processes owned by user
func NewSampler(user string, logger *pterm.Logger) *Sampler {
	return &Sampler{
		user:   user,
		logger: logger,
		clock:  time.Now,
		procs:  make(map[int32]*process.Process),
		lastIO: make(map[int32]ioCounters),
	}
}

// User returns the process owner being sampled
func (s *Sampler) User() string {
	return s.user
}

// Sample takes one measurement
func (s *Sampler) Sample(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("listing processes: %w", err)
	}

	now := s.clock()
	usage := Usage{Timestamp: now, User: s.user}
	seen := make(map[int32]*process.Process)
	currentIO := make(map[int32]ioCounters)

	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return Usage{}, err
		}

		username, err := p.UsernameWithContext(ctx)
		if err != nil || username != s.user {
			continue
		}

		// Reuse the handle from the previous sample, CPU percent is measured against it
		if prev, ok := s.procs[p.Pid]; ok {
			p = prev
		}
		seen[p.Pid] = p
		usage.Processes++

		if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
			usage.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			usage.MemoryMB += float64(mem.RSS) / (1024 * 1024)
		}
		if io, err := p.IOCountersWithContext(ctx); err == nil && io != nil {
			currentIO[p.Pid] = ioCounters{read: io.ReadBytes, write: io.WriteBytes}
		} else if err != nil {
			s.logger.Trace("IO counters unavailable", s.logger.Args("pid", p.Pid, "error", err))
		}
	}

	if !s.lastTime.IsZero() {
		usage.ReadKBps, usage.WriteKBps = ioRate(s.lastIO, currentIO, now.Sub(s.lastTime))
	}

	s.procs = seen
	s.lastIO = currentIO
	s.lastTime = now

	s.logger.Debug("Sampled resource usage",
		s.logger.Args("user", s.user, "processes", usage.Processes,
			"cpu_percent", usage.CPUPercent, "memory_mb", usage.MemoryMB))
	return usage, nil
}

// ioRate returns the read and write rates in KB/s of the processes present
// in both samples. Counters that went backwards count as zero.
func ioRate(prev, cur map[int32]ioCounters, elapsed time.Duration) (readKBps, writeKBps float64) {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0, 0
	}

	var read, write uint64
	for pid, c := range cur {
		p, ok := prev[pid]
		if !ok {
			continue
		}
		if c.read > p.read {
			read += c.read - p.read
		}
		if c.write > p.write {
			write += c.write - p.write
		}
	}
	return float64(read) / 1024 / seconds, float64(write) / 1024 / seconds
}
