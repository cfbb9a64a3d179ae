package accesslog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

// DateLayout is the layout of the first 19 characters of the quoted date field
const DateLayout = "02-01-2006 15:04:05"

// ErrNoMatch is returned when a line does not follow the access log grammar
var ErrNoMatch = errors.New("line does not match access log format")

// linePattern matches:
// <ip> "<datetime>" "<method> <path> <proto>" <status> <bytes_received> <bytes_sent> "<user_agent>"
var linePattern = regexp.MustCompile(
	`^(\S+)\s+` +
		`"([^"]+)"\s+` +
		`"([^"]+)"\s+` +
		`(\d+)\s+` +
		`(\d+)\s+` +
		`(\d+)\s+` +
		`"([^"]+)"`,
)

// DateParseError reports a date field that is not DD-MM-YYYY HH:MM:SS.
// Callers treat it as "timestamp unknown", never as fatal.
type DateParseError struct {
	Raw string
	Err error
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("unparseable log date %q: %v", e.Raw, e.Err)
}

func (e *DateParseError) Unwrap() error {
	return e.Err
}

// Parser turns raw access log lines into LogRecords
type Parser struct {
	location *time.Location
	logger   *pterm.Logger
}

// NewParser creates a parser interpreting log dates in loc (time.Local when nil)
func NewParser(loc *time.Location, logger *pterm.Logger) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{
		location: loc,
		logger:   logger,
	}
}

// Name returns the parser name
func (p *Parser) Name() string {
	return "accesslog"
}

// Location returns the time zone log dates are interpreted in
func (p *Parser) Location() *time.Location {
	return p.location
}

// CanParse checks if the line follows the access log grammar
func (p *Parser) CanParse(line string) bool {
	return linePattern.MatchString(strings.TrimSpace(line))
}

// Parse parses one log line. Lines outside the grammar return ErrNoMatch.
// A date that does not parse still yields a record, one that is not Dated.
func (p *Parser) Parse(line string) (LogRecord, error) {
	m := linePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return LogRecord{}, ErrNoMatch
	}

	status, err := strconv.Atoi(m[4])
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: status: %v", ErrNoMatch, err)
	}
	received, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: bytes received: %v", ErrNoMatch, err)
	}
	sent, err := strconv.ParseInt(m[6], 10, 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: bytes sent: %v", ErrNoMatch, err)
	}

	record := LogRecord{
		SourceIP:      m[1],
		RawDate:       m[2],
		RequestLine:   m[3],
		StatusCode:    status,
		BytesReceived: received,
		BytesSent:     sent,
		UserAgent:     m[7],
	}

	ts, err := ParseDate(record.RawDate, p.location)
	if err != nil {
		if p.logger != nil {
			p.logger.Trace("Log line has unparseable date",
				p.logger.Args("ip", record.SourceIP, "date", record.RawDate))
		}
		return record, nil
	}
	return record.WithTimestamp(ts), nil
}

// ParseDate parses the first 19 characters of raw as DD-MM-YYYY HH:MM:SS in loc.
// Trailing fractions or time zone text are ignored.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	cleaned := raw
	if len(cleaned) > len(DateLayout) {
		cleaned = cleaned[:len(DateLayout)]
	}
	ts, err := time.ParseInLocation(DateLayout, cleaned, loc)
	if err != nil {
		return time.Time{}, &DateParseError{Raw: raw, Err: err}
	}
	return ts, nil
}

// FormatDate renders t in the log's own date layout
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
