package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/wneessen/go-mail"
)

// Message is one notification with optional file attachments
type Message struct {
	Subject     string
	Body        string
	Attachments []string
}

// Mailer delivers notifications
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	Enabled() bool
}

// SMTPConfig holds the SMTP connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// TLS is one of "ssl", "starttls" or "none"
	TLS     string
	Timeout time.Duration
}

// SMTPMailer sends messages through an SMTP server
type SMTPMailer struct {
	config SMTPConfig
	logger *pterm.Logger
}

// NewSMTPMailer creates a new SMTP mailer, validating the settings
func NewSMTPMailer(config SMTPConfig, logger *pterm.Logger) (*SMTPMailer, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if len(config.To) == 0 {
		return nil, fmt.Errorf("at least one smtp recipient is required")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid smtp port: %d", config.Port)
	}
	switch config.TLS {
	case "":
		config.TLS = "ssl"
	case "ssl", "starttls", "none":
	default:
		return nil, fmt.Errorf("invalid smtp tls mode %q (expected ssl, starttls or none)", config.TLS)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &SMTPMailer{config: config, logger: logger}, nil
}

// Enabled always returns true
func (m *SMTPMailer) Enabled() bool {
	return true
}

// Send builds and delivers msg
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	email, err := m.buildMessage(msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(m.config.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}

	start := time.Now()
	if err := client.DialAndSendWithContext(ctx, email); err != nil {
		m.logger.WithCaller().Error("Failed to send email",
			m.logger.Args("host", m.config.Host, "subject", msg.Subject, "error", err))
		return fmt.Errorf("sending email: %w", err)
	}

	m.logger.Info("Email sent",
		m.logger.Args("subject", msg.Subject, "recipients", len(m.config.To),
			"attachments", len(msg.Attachments), "duration", time.Since(start)))
	return nil
}

func (m *SMTPMailer) buildMessage(msg Message) (*mail.Msg, error) {
	email := mail.NewMsg()
	if err := email.From(m.config.From); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := email.To(m.config.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	email.Subject(msg.Subject)
	email.SetDate()
	email.SetBodyString(mail.TypeTextPlain, msg.Body)

	for _, path := range msg.Attachments {
		email.AttachFile(path, mail.WithFileName(filepath.Base(path)))
	}
	return email, nil
}

func (m *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.config.Port),
		mail.WithTimeout(m.config.Timeout),
	}
	if m.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.config.Username),
			mail.WithPassword(m.config.Password))
	}

	switch m.config.TLS {
	case "ssl":
		opts = append(opts, mail.WithSSL())
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	return opts
}

// NoopMailer drops every message, used when SMTP is not configured
type NoopMailer struct {
	logger *pterm.Logger
}

// NewNoopMailer creates a new no-op mailer
func NewNoopMailer(logger *pterm.Logger) *NoopMailer {
	return &NoopMailer{logger: logger}
}

// Enabled always returns false
func (n *NoopMailer) Enabled() bool {
	return false
}

// Send logs the message and returns nil
func (n *NoopMailer) Send(_ context.Context, msg Message) error {
	n.logger.Debug("SMTP not configured, skipping email",
		n.logger.Args("subject", msg.Subject, "attachments", len(msg.Attachments)))
	return nil
}
