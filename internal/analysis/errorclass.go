package analysis

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"accesswatch/internal/parser/accesslog"
	"accesswatch/internal/parser/useragent"
)

// Resource type labels
const (
	FileTypeImage   = "image"
	FileTypeText    = "text file"
	FileTypePDF     = "pdf"
	FileTypeUnknown = "unknown"
)

// Error class names
const (
	ClassNotFound    = "notfound"
	ClassAuthFailure = "auth"
)

// Extensions common in web logs that the platform tables may lack or disagree on
var extraTypes = map[string]string{
	".txt":   "text/plain",
	".csv":   "text/csv",
	".md":    "text/markdown",
	".ico":   "image/x-icon",
	".bmp":   "image/bmp",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".rar":   "application/vnd.rar",
	".7z":    "application/x-7z-compressed",
	".sql":   "application/sql",
	".bak":   "application/octet-stream",
	".php":   "application/x-httpd-php",
	".asp":   "application/x-asp",
	".aspx":  "application/x-aspx",
	".jsp":   "application/x-jsp",
	".env":   "text/plain",
	".yml":   "application/yaml",
	".yaml":  "application/yaml",
	".mp4":   "video/mp4",
	".mp3":   "audio/mpeg",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
}

func init() {
	for ext, typ := range extraTypes {
		_ = mime.AddExtensionType(ext, typ)
	}
}

// FileType derives a coarse resource type from the extension of a request path
func FileType(requestPath string) string {
	if i := strings.IndexAny(requestPath, "?#"); i >= 0 {
		requestPath = requestPath[:i]
	}
	ext := strings.ToLower(path.Ext(requestPath))
	if ext == "" || ext == "." {
		return FileTypeUnknown
	}

	typ := mime.TypeByExtension(ext)
	if typ == "" {
		return FileTypeUnknown
	}
	if mediaType, _, err := mime.ParseMediaType(typ); err == nil {
		typ = mediaType
	}

	switch {
	case strings.HasPrefix(typ, "image/"):
		return FileTypeImage
	case strings.HasPrefix(typ, "text/"):
		return FileTypeText
	case typ == "application/pdf":
		return FileTypePDF
	default:
		return typ
	}
}

// ErrorSample is one recent error-class request
type ErrorSample struct {
	IP        string    `json:"ip"`
	Date      string    `json:"date"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	FileType  string    `json:"file_type"`
	UserAgent string    `json:"user_agent"`
	Client    string    `json:"client"`
	Status    int       `json:"status"`
}

// ErrorStats summarizes one error-class analysis
type ErrorStats struct {
	Matched          int `json:"total_errors"`
	Attributed       int `json:"parsed_errors"`
	UniquePaths      int `json:"unique_paths"`
	UniqueIPs        int `json:"unique_ips"`
	UniqueFileTypes  int `json:"unique_file_types"`
	UniqueUserAgents int `json:"unique_user_agents"`
}

// ErrorResult is the outcome of one error-class analysis
type ErrorResult struct {
	Class      string           `json:"class"`
	Statuses   []int            `json:"statuses"`
	PathFreq   []FrequencyEntry `json:"path_freq"`
	IPFreq     []FrequencyEntry `json:"ip_freq"`
	TypeFreq   []FrequencyEntry `json:"type_freq"`
	UAFreq     []FrequencyEntry `json:"ua_freq"`
	ClientFreq []FrequencyEntry `json:"client_freq"`
	Samples    []ErrorSample    `json:"samples"`
	Stats      ErrorStats       `json:"stats"`
	// Dropped counts matching records without a usable date or path.
	// It stays set when Stats is zeroed for a no data result.
	Dropped int `json:"dropped"`
}

// NoData reports whether no record could be attributed
func (r ErrorResult) NoData() bool {
	return r.Stats.Attributed == 0
}

// ErrorClassAnalyzer ranks requests answered with one class of error status
type ErrorClassAnalyzer struct {
	class      string
	statuses   map[int]struct{}
	ordered    []int
	sampleSize int
}

// NewErrorClassAnalyzer creates an analyzer for the given status codes
func NewErrorClassAnalyzer(class string, statuses ...int) (*ErrorClassAnalyzer, error) {
	if class == "" {
		return nil, errors.New("error class name is required")
	}
	if len(statuses) == 0 {
		return nil, errors.New("at least one status code is required")
	}

	a := &ErrorClassAnalyzer{
		class:      class,
		statuses:   make(map[int]struct{}, len(statuses)),
		sampleSize: DefaultTopK,
	}
	for _, s := range statuses {
		if s < 100 || s > 599 {
			return nil, fmt.Errorf("invalid HTTP status code %d", s)
		}
		if _, dup := a.statuses[s]; dup {
			continue
		}
		a.statuses[s] = struct{}{}
		a.ordered = append(a.ordered, s)
	}
	sort.Ints(a.ordered)
	return a, nil
}

// NewNotFoundAnalyzer creates an analyzer for 404 responses
func NewNotFoundAnalyzer() *ErrorClassAnalyzer {
	a, _ := NewErrorClassAnalyzer(ClassNotFound, 404)
	return a
}

// NewAuthFailureAnalyzer creates an analyzer for 401 and 403 responses
func NewAuthFailureAnalyzer() *ErrorClassAnalyzer {
	a, _ := NewErrorClassAnalyzer(ClassAuthFailure, 401, 403)
	return a
}

// Class returns the analyzer's class name
func (a *ErrorClassAnalyzer) Class() string {
	return a.class
}

// Statuses returns the status codes the analyzer matches, ascending
func (a *ErrorClassAnalyzer) Statuses() []int {
	return append([]int(nil), a.ordered...)
}

// Analyze filters records by status and ranks them across path, source IP,
// resource type and user agent. Records without a timestamp or without a
// request path are dropped.
func (a *ErrorClassAnalyzer) Analyze(records []accesslog.LogRecord) ErrorResult {
	result := ErrorResult{
		Class:      a.class,
		Statuses:   a.Statuses(),
		PathFreq:   []FrequencyEntry{},
		IPFreq:     []FrequencyEntry{},
		TypeFreq:   []FrequencyEntry{},
		UAFreq:     []FrequencyEntry{},
		ClientFreq: []FrequencyEntry{},
		Samples:    []ErrorSample{},
	}

	paths := NewCounter[string]()
	ips := NewCounter[string]()
	types := NewCounter[string]()
	agents := NewCounter[string]()
	clients := NewCounter[string]()
	var samples []ErrorSample

	for _, rec := range records {
		if _, ok := a.statuses[rec.StatusCode]; !ok {
			continue
		}
		result.Stats.Matched++

		if !rec.Dated() {
			continue
		}
		p, ok := rec.Path()
		if !ok {
			continue
		}
		result.Stats.Attributed++

		sample := ErrorSample{
			IP:        rec.SourceIP,
			Date:      rec.RawDate,
			Timestamp: rec.Timestamp,
			Path:      p,
			FileType:  FileType(p),
			UserAgent: rec.UserAgent,
			Client:    useragent.Classify(rec.UserAgent).Label(),
			Status:    rec.StatusCode,
		}
		samples = append(samples, sample)

		paths.Inc(sample.Path)
		ips.Inc(sample.IP)
		types.Inc(sample.FileType)
		agents.Inc(sample.UserAgent)
		clients.Inc(sample.Client)
	}

	result.Dropped = result.Stats.Matched - result.Stats.Attributed
	if result.Stats.Attributed == 0 {
		result.Stats = ErrorStats{}
		return result
	}

	result.PathFreq = Rank(paths, DefaultTopK)
	result.IPFreq = Rank(ips, DefaultTopK)
	result.TypeFreq = Rank(types, DefaultTopK)
	result.UAFreq = Rank(agents, DefaultTopK)
	result.ClientFreq = Rank(clients, DefaultTopK)

	result.Stats.UniquePaths = paths.Len()
	result.Stats.UniqueIPs = ips.Len()
	result.Stats.UniqueFileTypes = types.Len()
	result.Stats.UniqueUserAgents = agents.Len()

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.After(samples[j].Timestamp)
	})
	if len(samples) > a.sampleSize {
		samples = samples[:a.sampleSize]
	}
	result.Samples = samples

	return result
}
