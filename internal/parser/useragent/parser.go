package useragent

import (
	"regexp"
	"strings"
)

// Client kinds
const (
	KindBot     = "bot"
	KindMobile  = "mobile"
	KindDesktop = "desktop"
	KindUnknown = "unknown"
)

// Client is a coarse classification of a User-Agent string
type Client struct {
	Name string `json:"name"`
	OS   string `json:"os"`
	Kind string `json:"kind"`
}

// Label renders the client as a short human readable string
func (c Client) Label() string {
	switch c.Kind {
	case KindBot:
		return c.Name + " (bot)"
	case KindUnknown:
		return "Unknown"
	}
	if c.OS == "" || c.OS == "Unknown" {
		return c.Name
	}
	return c.Name + " on " + c.OS
}

type namedPattern struct {
	name    string
	pattern *regexp.Regexp
}

var (
	// Order matters, more specific first
	browserPatterns = []namedPattern{
		{"Edge", regexp.MustCompile(`(?i)Edg/\d+`)},
		{"Opera", regexp.MustCompile(`(?i)(?:Opera|OPR)/\d+`)},
		{"Chrome", regexp.MustCompile(`(?i)Chrome/\d+`)},
		{"Firefox", regexp.MustCompile(`(?i)Firefox/\d+`)},
		{"Safari", regexp.MustCompile(`(?i)Version/\d+.*Safari`)},
		{"IE", regexp.MustCompile(`(?i)MSIE\s+\d+|Trident/.*rv:\d+`)},
	}

	osPatterns = []namedPattern{
		{"Windows", regexp.MustCompile(`(?i)Windows NT`)},
		{"iOS", regexp.MustCompile(`(?i)iPhone|iPad|iPod`)},
		{"macOS", regexp.MustCompile(`(?i)Mac OS X`)},
		{"Android", regexp.MustCompile(`(?i)Android`)},
		{"ChromeOS", regexp.MustCompile(`(?i)CrOS`)},
		{"Linux", regexp.MustCompile(`(?i)Linux`)},
	}

	botPattern    = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|scanner|curl|wget|python|go-http|nikto|sqlmap|zgrab|masscan|nmap`)
	mobilePattern = regexp.MustCompile(`(?i)mobile|android|iphone|ipad|ipod|blackberry|windows phone`)

	// Checked in order against the lowercased agent
	botNames = []struct {
		needle string
		name   string
	}{
		{"googlebot", "Googlebot"},
		{"bingbot", "Bingbot"},
		{"duckduckbot", "DuckDuckBot"},
		{"baiduspider", "Baidu Spider"},
		{"yandexbot", "YandexBot"},
		{"applebot", "Applebot"},
		{"ahrefsbot", "AhrefsBot"},
		{"semrushbot", "SemrushBot"},
		{"nikto", "Nikto"},
		{"sqlmap", "sqlmap"},
		{"zgrab", "ZGrab"},
		{"masscan", "masscan"},
		{"nmap", "Nmap"},
		{"python", "Python Client"},
		{"go-http", "Go HTTP Client"},
		{"curl", "cURL"},
		{"wget", "Wget"},
	}
)

// Classify returns the client family of a User-Agent string
func Classify(userAgent string) Client {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" || userAgent == "-" {
		return Client{Name: "Unknown", OS: "Unknown", Kind: KindUnknown}
	}

	if botPattern.MatchString(userAgent) {
		return Client{Name: botName(userAgent), OS: "Bot", Kind: KindBot}
	}

	client := Client{Name: "Unknown", OS: "Unknown", Kind: KindDesktop}
	if name, ok := firstMatch(browserPatterns, userAgent); ok {
		client.Name = name
	}
	if name, ok := firstMatch(osPatterns, userAgent); ok {
		client.OS = name
	}
	if mobilePattern.MatchString(userAgent) {
		client.Kind = KindMobile
	}
	if client.Name == "Unknown" && client.OS == "Unknown" {
		client.Kind = KindUnknown
	}
	return client
}

func firstMatch(patterns []namedPattern, userAgent string) (string, bool) {
	for _, p := range patterns {
		if p.pattern.MatchString(userAgent) {
			return p.name, true
		}
	}
	return "", false
}

func botName(userAgent string) string {
	lower := strings.ToLower(userAgent)
	for _, b := range botNames {
		if strings.Contains(lower, b.needle) {
			return b.name
		}
	}
	return "Bot"
}
