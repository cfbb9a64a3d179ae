package discovery

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accesswatch/internal/parser/accesslog"

	"github.com/pterm/pterm"
)

// linesProbed is how many non-empty lines are tried before a file is rejected
const linesProbed = 5

// WebServerDetector probes a web server's usual log directories
type WebServerDetector struct {
	name         string
	dirs         []string
	fileTemplate string
	parser       *accesslog.Parser
	logger       *pterm.Logger
}

// NewWebServerDetector creates a detector probing dirs in order
func NewWebServerDetector(name string, dirs []string, fileTemplate string, parser *accesslog.Parser, logger *pterm.Logger) *WebServerDetector {
	return &WebServerDetector{
		name:         name,
		dirs:         dirs,
		fileTemplate: fileTemplate,
		parser:       parser,
		logger:       logger,
	}
}

// DefaultDetectors returns the detectors for common Apache, nginx and
// shared-hosting layouts
func DefaultDetectors(fileTemplate string, parser *accesslog.Parser, logger *pterm.Logger) []DirDetector {
	return []DirDetector{
		NewWebServerDetector("apache", []string{"/var/log/apache2", "/var/log/httpd"}, fileTemplate, parser, logger),
		NewWebServerDetector("nginx", []string{"/var/log/nginx"}, fileTemplate, parser, logger),
		NewWebServerDetector("www", []string{"/var/www/logs", "/var/log/www"}, fileTemplate, parser, logger),
	}
}

// Name returns the detector name
func (d *WebServerDetector) Name() string {
	return d.name
}

// Detect returns the directories holding a non-empty log file for day
// whose content matches the access log grammar
func (d *WebServerDetector) Detect(day time.Time) ([]Candidate, error) {
	candidates := []Candidate{}
	name := day.In(d.parser.Location()).Format(d.fileTemplate)

	for _, dir := range d.dirs {
		path := filepath.Join(dir, name)
		fileInfo, err := os.Stat(path)
		if err != nil {
			d.logger.Debug("Log file not found", d.logger.Args("path", path))
			continue
		}

		if fileInfo.IsDir() {
			d.logger.Debug("Path is a directory, skipping", d.logger.Args("path", path))
			continue
		}

		if fileInfo.Size() == 0 {
			d.logger.Debug("Log file is empty, skipping", d.logger.Args("path", path))
			continue
		}

		if isAccessLogFormat(path, d.parser, d.logger) {
			candidates = append(candidates, Candidate{Detector: d.name, Dir: dir, File: path})
		}
	}

	return candidates, nil
}

// isAccessLogFormat checks whether one of the first lines of a file parses
func isAccessLogFormat(path string, parser *accesslog.Parser, logger *pterm.Logger) bool {
	file, err := os.Open(path)
	if err != nil {
		logger.Debug("Failed to open file", logger.Args("path", path, "error", err))
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	probed := 0
	for scanner.Scan() && probed < linesProbed {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		probed++
		if parser.CanParse(line) {
			logger.Debug("File matches access log format", logger.Args("path", path))
			return true
		}
	}

	logger.Debug("File does not match access log format", logger.Args("path", path))
	return false
}
