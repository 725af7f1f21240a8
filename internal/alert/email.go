package alert

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig holds the SMTP server settings for email alerts.
type SMTPConfig struct {
	Host     string
	Port     string // 25, 587, 465
	From     string
	To       []string
	Username string
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != "" && len(c.To) > 0
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// EmailNotifier sends alerts as plain-text email.
type EmailNotifier struct {
	cfg    SMTPConfig
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// NewEmailNotifier creates an EmailNotifier for cfg.
func NewEmailNotifier(cfg SMTPConfig, logger *slog.Logger) (*EmailNotifier, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("smtp not configured")
	}
	return &EmailNotifier{
		cfg:      cfg,
		logger:   logger.With("component", "alert-email"),
		dialFunc: defaultDial,
	}, nil
}

// Notify sends a to every configured recipient in one SMTP transaction.
func (e *EmailNotifier) Notify(ctx context.Context, a Alert) error {
	cfg := e.cfg
	msg := buildMessage(cfg, a)

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := e.dialFunc(addr, tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, to := range cfg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		e.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	e.logger.Info("alert email sent", "event_type", a.EventType, "recipients", len(cfg.To))
	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

func buildMessage(cfg SMTPConfig, a Alert) []byte {
	var buf bytes.Buffer

	subject := fmt.Sprintf("[kioskguard][%s] %s", a.Severity, a.Title)
	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", a.Time.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")

	buf.WriteString(a.Body)
	buf.WriteString("\r\n\r\n")
	fmt.Fprintf(&buf, "Event: %s\r\n", a.EventType)
	if a.LicenseID != "" {
		fmt.Fprintf(&buf, "License: %s\r\n", a.LicenseID)
	}
	if a.DeviceID != "" {
		fmt.Fprintf(&buf, "Device: %s\r\n", a.DeviceID)
	}
	fmt.Fprintf(&buf, "Time: %s\r\n", a.Time.UTC().Format(time.RFC3339))

	return buf.Bytes()
}
