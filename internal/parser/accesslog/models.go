package accesslog

import (
	"strings"
	"time"
)

// LogRecord represents one parsed access log line.
// Values are never mutated after Parse returns them.
type LogRecord struct {
	SourceIP      string `json:"source_ip"`
	RawDate       string `json:"raw_date"`
	RequestLine   string `json:"request_line"`
	StatusCode    int    `json:"status_code"`
	BytesReceived int64  `json:"bytes_received"`
	BytesSent     int64  `json:"bytes_sent"`
	UserAgent     string `json:"user_agent"`

	// Timestamp is the parsed RawDate. Only meaningful when Dated is true.
	Timestamp time.Time `json:"timestamp"`

	dated bool
}

// WithTimestamp returns a copy of r dated at ts
func (r LogRecord) WithTimestamp(ts time.Time) LogRecord {
	r.Timestamp = ts
	r.dated = true
	return r
}

// Dated reports whether the record's date parsed
func (r LogRecord) Dated() bool {
	return r.dated
}

// Path returns the second whitespace-delimited token of the request line
func (r LogRecord) Path() (string, bool) {
	fields := strings.Fields(r.RequestLine)
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

// Method returns the first token of the request line, or "" when empty
func (r LogRecord) Method() string {
	fields := strings.Fields(r.RequestLine)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
