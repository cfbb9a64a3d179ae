package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"accesswatch/internal/analysis"

	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// DefaultConfigPath is read when no --config flag is given
const DefaultConfigPath = "/etc/accesswatch/config.yml"

// Window modes
const (
	WindowRolling = "rolling"
	WindowDay     = "day"
)

// SMTP transport security modes
const (
	TLSImplicit = "ssl"
	TLSStartTLS = "starttls"
	TLSNone     = "none"
)

// Config is the runtime configuration of accesswatch
type Config struct {
	LogDir          string        `mapstructure:"log-dir"`
	LogFileTemplate string        `mapstructure:"log-file-template"`
	LogAutoDiscover bool          `mapstructure:"log-auto-discover"`
	KeepUndated     bool          `mapstructure:"keep-undated-records"`
	TimeZone        string        `mapstructure:"time-zone"`
	Window          time.Duration `mapstructure:"window"`
	WindowMode      string        `mapstructure:"window-mode"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	AlertCooldown   time.Duration `mapstructure:"alert-cooldown"`
	WatchEnabled    bool          `mapstructure:"watch-enabled"`
	WatchDebounce   time.Duration `mapstructure:"watch-debounce"`

	DoSRequestsPerMinute int   `mapstructure:"dos-requests-per-minute"`
	DoSTotalRequests     int   `mapstructure:"dos-total-requests"`
	DoSBytesSent         int64 `mapstructure:"dos-bytes-sent"`
	DoSSamplesPerSource  int   `mapstructure:"dos-samples-per-source"`

	NotFoundAlertThreshold int     `mapstructure:"notfound-alert-threshold"`
	AuthAlertThreshold     int     `mapstructure:"auth-alert-threshold"`
	CPUAlertPercent        float64 `mapstructure:"cpu-alert-percent"`
	MemoryAlertMB          float64 `mapstructure:"memory-alert-mb"`
	ResourceUser           string  `mapstructure:"resource-user"`

	ReportDir              string        `mapstructure:"report-dir"`
	ReportRetentionDays    int           `mapstructure:"report-retention-days"`
	CleanupTime            string        `mapstructure:"cleanup-time"`
	CombinedReportSchedule string        `mapstructure:"combined-report-schedule"`
	CombinedReportPeriod   time.Duration `mapstructure:"combined-report-period"`
	DBPath                 string        `mapstructure:"db-path"`

	GeoIPCityDB    string `mapstructure:"geoip-city-db"`
	GeoIPCountryDB string `mapstructure:"geoip-country-db"`
	GeoIPASNDB     string `mapstructure:"geoip-asn-db"`

	SMTPHost     string   `mapstructure:"smtp-host"`
	SMTPPort     int      `mapstructure:"smtp-port"`
	SMTPUsername string   `mapstructure:"smtp-username"`
	SMTPPassword string   `mapstructure:"smtp-password"`
	SMTPFrom     string   `mapstructure:"smtp-from"`
	SMTPTo       []string `mapstructure:"smtp-to"`
	SMTPTLS      string   `mapstructure:"smtp-tls"`

	APIEnabled bool   `mapstructure:"api-enabled"`
	APIAddr    string `mapstructure:"api-addr"`

	LogLevel   string `mapstructure:"log-level"`
	ConfigPath string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	dos := analysis.DefaultDoSConfig()

	v.SetDefault("log-dir", "")
	v.SetDefault("log-file-template", "access_log-2006-01-02")
	v.SetDefault("log-auto-discover", true)
	v.SetDefault("keep-undated-records", true)
	v.SetDefault("time-zone", "Local")
	v.SetDefault("window", 15*time.Minute)
	v.SetDefault("window-mode", WindowRolling)
	v.SetDefault("poll-interval", time.Minute)
	v.SetDefault("alert-cooldown", time.Hour)
	v.SetDefault("watch-enabled", false)
	v.SetDefault("watch-debounce", 5*time.Second)

	v.SetDefault("dos-requests-per-minute", dos.RequestsPerMinute)
	v.SetDefault("dos-total-requests", dos.TotalRequests)
	v.SetDefault("dos-bytes-sent", dos.BytesSent)
	v.SetDefault("dos-samples-per-source", dos.SamplesPerSource)

	v.SetDefault("notfound-alert-threshold", 50)
	v.SetDefault("auth-alert-threshold", 20)
	v.SetDefault("cpu-alert-percent", 90.0)
	v.SetDefault("memory-alert-mb", 2048.0)
	v.SetDefault("resource-user", "www-data")

	v.SetDefault("report-dir", "/var/lib/accesswatch/reports")
	v.SetDefault("report-retention-days", 30)
	v.SetDefault("cleanup-time", "02:00")
	v.SetDefault("combined-report-schedule", "0 0 * * *")
	v.SetDefault("combined-report-period", 24*time.Hour)
	v.SetDefault("db-path", "/var/lib/accesswatch/accesswatch.db")

	v.SetDefault("geoip-city-db", "")
	v.SetDefault("geoip-country-db", "")
	v.SetDefault("geoip-asn-db", "")

	v.SetDefault("smtp-host", "")
	v.SetDefault("smtp-port", 465)
	v.SetDefault("smtp-username", "")
	v.SetDefault("smtp-password", "")
	v.SetDefault("smtp-from", "")
	v.SetDefault("smtp-to", []string{})
	v.SetDefault("smtp-tls", TLSImplicit)

	v.SetDefault("api-enabled", false)
	v.SetDefault("api-addr", "127.0.0.1:8089")

	v.SetDefault("log-level", "info")
}

// Load reads the config file at path (DefaultConfigPath when empty), applies
// ACCESSWATCH_* environment overrides and validates the result.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACCESSWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	setDefaults(v)

	if path == "" {
		path = DefaultConfigPath
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("invalid window: %s", c.Window)
	}
	if c.WindowMode != WindowRolling && c.WindowMode != WindowDay {
		return fmt.Errorf("invalid window-mode %q (want %s or %s)", c.WindowMode, WindowRolling, WindowDay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll-interval: %s", c.PollInterval)
	}
	if c.AlertCooldown < 0 {
		return fmt.Errorf("invalid alert-cooldown: %s", c.AlertCooldown)
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("invalid watch-debounce: %s", c.WatchDebounce)
	}
	if strings.TrimSpace(c.LogFileTemplate) == "" {
		return errors.New("log-file-template must not be empty")
	}
	if c.LogDir == "" && !c.LogAutoDiscover {
		return errors.New("log-dir is required when log-auto-discover is off")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.DoS().Validate(); err != nil {
		return fmt.Errorf("invalid DoS thresholds: %w", err)
	}
	if c.NotFoundAlertThreshold < 0 {
		return fmt.Errorf("invalid notfound-alert-threshold: %d", c.NotFoundAlertThreshold)
	}
	if c.AuthAlertThreshold < 0 {
		return fmt.Errorf("invalid auth-alert-threshold: %d", c.AuthAlertThreshold)
	}
	if c.CPUAlertPercent < 0 {
		return fmt.Errorf("invalid cpu-alert-percent: %v", c.CPUAlertPercent)
	}
	if c.MemoryAlertMB < 0 {
		return fmt.Errorf("invalid memory-alert-mb: %v", c.MemoryAlertMB)
	}
	if c.ReportDir == "" {
		return errors.New("report-dir must not be empty")
	}
	if c.ReportRetentionDays < 0 {
		return fmt.Errorf("invalid report-retention-days: %d", c.ReportRetentionDays)
	}
	if _, err := time.Parse("15:04", c.CleanupTime); err != nil {
		return fmt.Errorf("invalid cleanup-time %q (want HH:MM)", c.CleanupTime)
	}
	if c.CombinedReportSchedule != "" {
		if _, err := cron.ParseStandard(c.CombinedReportSchedule); err != nil {
			return fmt.Errorf("invalid combined-report-schedule: %w", err)
		}
	}
	if c.CombinedReportPeriod <= 0 {
		return fmt.Errorf("invalid combined-report-period: %s", c.CombinedReportPeriod)
	}
	if c.DBPath == "" {
		return errors.New("db-path must not be empty")
	}
	if c.SMTPEnabled() {
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			return fmt.Errorf("invalid smtp-port: %d", c.SMTPPort)
		}
		if c.SMTPFrom == "" {
			return errors.New("smtp-from is required when smtp-host is set")
		}
		if len(c.SMTPTo) == 0 {
			return errors.New("smtp-to is required when smtp-host is set")
		}
		switch c.SMTPTLS {
		case TLSImplicit, TLSStartTLS, TLSNone:
		default:
			return fmt.Errorf("invalid smtp-tls %q", c.SMTPTLS)
		}
	}
	if c.APIEnabled && c.APIAddr == "" {
		return errors.New("api-addr is required when api-enabled is set")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DoS returns the DoS detector thresholds
func (c *Config) DoS() analysis.DoSConfig {
	return analysis.DoSConfig{
		RequestsPerMinute: c.DoSRequestsPerMinute,
		TotalRequests:     c.DoSTotalRequests,
		BytesSent:         c.DoSBytesSent,
		SamplesPerSource:  c.DoSSamplesPerSource,
	}
}

// Location returns the time zone log dates are written in
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time-zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SMTPEnabled reports whether reports should be mailed
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// ParseLogLevel maps a level name onto a pterm log level
func ParseLogLevel(level string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	default:
		return pterm.LogLevelInfo, fmt.Errorf("invalid log-level %q", level)
	}
}
