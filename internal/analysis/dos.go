package analysis

import (
	"fmt"
	"sort"
	"time"

	"accesswatch/internal/parser/accesslog"
)

// Threshold names reported on offenders
const (
	ReasonRate  = "requests_per_minute"
	ReasonTotal = "total_requests"
	ReasonBytes = "bytes_sent"
)

// DoSConfig holds the per-source thresholds. Any one crossed flags the source.
type DoSConfig struct {
	RequestsPerMinute int   `json:"requests_per_minute_threshold"`
	TotalRequests     int   `json:"total_requests_threshold"`
	BytesSent         int64 `json:"bytes_sent_threshold"`
	SamplesPerSource  int   `json:"samples_per_source"`
}

// DefaultDoSConfig returns the stock thresholds
func DefaultDoSConfig() DoSConfig {
	return DoSConfig{
		RequestsPerMinute: 100,
		TotalRequests:     500,
		BytesSent:         10_000_000,
		SamplesPerSource:  10,
	}
}

// Validate rejects negative thresholds
func (c DoSConfig) Validate() error {
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests per minute threshold must not be negative, got %d", c.RequestsPerMinute)
	}
	if c.TotalRequests < 0 {
		return fmt.Errorf("total requests threshold must not be negative, got %d", c.TotalRequests)
	}
	if c.BytesSent < 0 {
		return fmt.Errorf("bytes sent threshold must not be negative, got %d", c.BytesSent)
	}
	if c.SamplesPerSource < 0 {
		return fmt.Errorf("samples per source must not be negative, got %d", c.SamplesPerSource)
	}
	return nil
}

// MinuteBucket is the request count of one source within one minute
type MinuteBucket struct {
	Minute time.Time `json:"minute"`
	Count  int       `json:"count"`
}

// Offender is a source whose traffic crossed at least one threshold
type Offender struct {
	IP               string                `json:"ip"`
	MaxPerMinute     int                   `json:"max_requests_per_min"`
	TotalRequests    int                   `json:"total_requests"`
	TotalBytes       int64                 `json:"total_bytes_sent"`
	Reasons          []string              `json:"reasons"`
	TopMinuteBuckets []MinuteBucket        `json:"top_minute_buckets"`
	Samples          []accesslog.LogRecord `json:"sample_lines"`
}

// DoSStats summarizes one DoS analysis
type DoSStats struct {
	TotalRecords  int       `json:"total_logs"`
	ParsedRecords int       `json:"parsed_logs"`
	UniqueIPs     int       `json:"total_unique_ips"`
	TotalRequests int       `json:"overall_total_requests"`
	Thresholds    DoSConfig `json:"thresholds"`
}

// DoSResult is the outcome of one DoS analysis
type DoSResult struct {
	Offenders map[string]Offender `json:"offenders"`
	Stats     DoSStats            `json:"stats"`
}

// Ranked returns the offenders by peak rate, then total requests, descending
func (r DoSResult) Ranked() []Offender {
	ranked := make([]Offender, 0, len(r.Offenders))
	for _, o := range r.Offenders {
		ranked = append(ranked, o)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].MaxPerMinute != ranked[j].MaxPerMinute {
			return ranked[i].MaxPerMinute > ranked[j].MaxPerMinute
		}
		if ranked[i].TotalRequests != ranked[j].TotalRequests {
			return ranked[i].TotalRequests > ranked[j].TotalRequests
		}
		return ranked[i].IP < ranked[j].IP
	})
	return ranked
}

// DoSDetector flags sources with DoS-like traffic
type DoSDetector struct {
	config DoSConfig
}

// NewDoSDetector creates a new detector, failing on invalid thresholds
func NewDoSDetector(config DoSConfig) (*DoSDetector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid DoS configuration: %w", err)
	}
	return &DoSDetector{config: config}, nil
}

// Config returns the active thresholds
func (d *DoSDetector) Config() DoSConfig {
	return d.config
}

// sourceAggregate collects the dated records of one source
type sourceAggregate struct {
	buckets *Counter[time.Time]
	bytes   int64
	records []accesslog.LogRecord
}

// Analyze aggregates records per source IP and returns the offending ones.
// Undated records count towards TotalRecords only.
func (d *DoSDetector) Analyze(records []accesslog.LogRecord) DoSResult {
	result := DoSResult{
		Offenders: make(map[string]Offender),
		Stats: DoSStats{
			TotalRecords: len(records),
			Thresholds:   d.config,
		},
	}

	sources := make(map[string]*sourceAggregate)
	var order []string
	for _, rec := range records {
		if !rec.Dated() {
			continue
		}
		result.Stats.ParsedRecords++

		agg, ok := sources[rec.SourceIP]
		if !ok {
			agg = &sourceAggregate{buckets: NewCounter[time.Time]()}
			sources[rec.SourceIP] = agg
			order = append(order, rec.SourceIP)
		}
		agg.buckets.Inc(rec.Timestamp.Truncate(time.Minute))
		agg.bytes += rec.BytesSent
		agg.records = append(agg.records, rec)
	}
	result.Stats.UniqueIPs = len(sources)

	for _, ip := range order {
		agg := sources[ip]
		total := len(agg.records)
		result.Stats.TotalRequests += total

		offender := Offender{
			IP:            ip,
			MaxPerMinute:  agg.buckets.Max(),
			TotalRequests: total,
			TotalBytes:    agg.bytes,
		}
		offender.Reasons = d.reasons(offender)
		if len(offender.Reasons) == 0 {
			continue
		}

		for _, b := range agg.buckets.MostCommon(DefaultTopK) {
			offender.TopMinuteBuckets = append(offender.TopMinuteBuckets,
				MinuteBucket{Minute: b.Item, Count: b.Count})
		}
		offender.Samples = newestFirst(agg.records, d.config.SamplesPerSource)
		result.Offenders[ip] = offender
	}

	return result
}

func (d *DoSDetector) reasons(o Offender) []string {
	var reasons []string
	if o.MaxPerMinute >= d.config.RequestsPerMinute {
		reasons = append(reasons, ReasonRate)
	}
	if o.TotalRequests >= d.config.TotalRequests {
		reasons = append(reasons, ReasonTotal)
	}
	if o.TotalBytes >= d.config.BytesSent {
		reasons = append(reasons, ReasonBytes)
	}
	return reasons
}

// newestFirst returns up to n dated records by timestamp descending.
// Equal timestamps keep input order.
func newestFirst(records []accesslog.LogRecord, n int) []accesslog.LogRecord {
	dated := make([]accesslog.LogRecord, 0, len(records))
	for _, rec := range records {
		if rec.Dated() {
			dated = append(dated, rec)
		}
	}
	sort.SliceStable(dated, func(i, j int) bool {
		return dated[i].Timestamp.After(dated[j].Timestamp)
	})
	if n < len(dated) {
		dated = dated[:n]
	}
	return dated
}
