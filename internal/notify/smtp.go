package notify

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const smtpDialTimeout = 10 * time.Second

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string   // SMTP server hostname
	Port     int      // SMTP server port (25, 465, 587)
	Username string   // SMTP auth username; empty skips AUTH
	Password string   // SMTP auth password
	Protocol string   // "tls" (port 465), "starttls" (port 587), "none" (port 25)
	FromAddr string   // Sender email address
	FromName string   // Sender display name
	ToAddrs  []string // Recipient email addresses
}

// SMTPMailer sends email notifications via SMTP.
type SMTPMailer struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewSMTPMailer creates a new SMTP mailer with the given config.
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Protocol == "none" {
		logger.Warn("SMTP using unencrypted connection - credentials will be sent in plaintext. Consider using TLS or STARTTLS.")
	}
	return &SMTPMailer{config: cfg, logger: logger}
}

// Send sends an email with the given subject and plaintext body.
func (m *SMTPMailer) Send(subject, body string) error {
	client, err := m.connect()
	if err != nil {
		return fmt.Errorf("notify.Send: connect: %w", err)
	}
	defer client.Close()

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify.Send: auth: %w", err)
		}
	}

	if err := client.Mail(m.config.FromAddr); err != nil {
		return fmt.Errorf("notify.Send: MAIL FROM: %w", err)
	}
	for _, addr := range m.config.ToAddrs {
		if err := client.Rcpt(addr); err != nil {
			return fmt.Errorf("notify.Send: RCPT TO %s: %w", addr, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify.Send: DATA: %w", err)
	}
	if _, err := w.Write([]byte(m.buildMessage(subject, body))); err != nil {
		return fmt.Errorf("notify.Send: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify.Send: close data: %w", err)
	}

	client.Quit()
	m.logger.Info("email sent", "subject", subject, "recipients", len(m.config.ToAddrs))
	return nil
}

// connect establishes an SMTP connection using the configured protocol.
// "tls" is implicit TLS from the first byte; "starttls" dials plain and
// upgrades; anything else stays plaintext.
func (m *SMTPMailer) connect() (*smtp.Client, error) {
	addr := net.JoinHostPort(m.config.Host, fmt.Sprintf("%d", m.config.Port))
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	tlsConfig := &tls.Config{ServerName: m.config.Host}

	if m.config.Protocol == "tls" {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("TLS dial: %w", err)
		}
		client, err := smtp.NewClient(conn, m.config.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		return client, nil
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP client: %w", err)
	}
	if m.config.Protocol == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	}
	return client, nil
}

// buildMessage constructs an RFC 2822 email message.
func (m *SMTPMailer) buildMessage(subject, body string) string {
	headers := []string{
		fmt.Sprintf("From: %s <%s>", m.config.FromName, m.config.FromAddr),
		"To: " + strings.Join(m.config.ToAddrs, ", "),
		"Subject: " + subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body
}
