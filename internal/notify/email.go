// Package notify implements the alert delivery channels: SMTP email, JSON
// webhooks, fan-out to several channels, and a durable outbox that retries
// failed deliveries. Every type here implements alert.Channel.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/config"
)

// ErrRateLimited is returned by Email.Send when the per-minute budget is
// spent. The alert is still recorded by the pipeline and, behind an Outbox,
// delivered later.
var ErrRateLimited = errors.New("notify: email rate limit exceeded")

const dialTimeout = 15 * time.Second

// Email delivers alerts as plain-text mail over SMTP. The connection is
// upgraded with STARTTLS whenever the server offers it, and PLAIN auth is
// used when a password is configured.
type Email struct {
	cfg     config.EmailConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	tls     *tls.Config
}

// EmailOption configures an Email.
type EmailOption func(*Email)

// WithTLSConfig replaces the TLS settings used for STARTTLS.
func WithTLSConfig(c *tls.Config) EmailOption {
	return func(e *Email) { e.tls = c }
}

// NewEmail returns an Email channel for cfg. A RatePerMinute of zero or less
// disables rate limiting.
func NewEmail(cfg config.EmailConfig, logger *slog.Logger, opts ...EmailOption) *Email {
	limit := rate.Inf
	burst := 0
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
		burst = cfg.RatePerMinute
	}
	e := &Email{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		tls:     &tls.Config{ServerName: cfg.SMTPServer, MinVersion: tls.VersionTLS12},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send mails a to every recipient.
func (e *Email) Send(ctx context.Context, a alert.Alert) error {
	if !e.limiter.Allow() {
		return ErrRateLimited
	}
	c, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(e.cfg.SenderEmail); err != nil {
		return fmt.Errorf("notify: email: MAIL FROM: %w", err)
	}
	for _, rcpt := range e.cfg.RecipientEmails {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("notify: email: RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("notify: email: DATA: %w", err)
	}
	if _, err := w.Write(e.message(a)); err != nil {
		_ = w.Close()
		return fmt.Errorf("notify: email: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: email: end message: %w", err)
	}
	if err := c.Quit(); err != nil {
		e.logger.Debug("notify: email: QUIT failed", slog.Any("error", err))
	}

	e.logger.Info("notify: email alert sent",
		slog.String("subject", subject(a)),
		slog.Int("recipients", len(e.cfg.RecipientEmails)),
	)
	return nil
}

// Verify connects, negotiates TLS and authenticates without sending mail.
// It is run at startup so that bad SMTP settings surface immediately
// rather than with the first alert.
func (e *Email) Verify(ctx context.Context) error {
	c, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Noop(); err != nil {
		return fmt.Errorf("notify: email: NOOP: %w", err)
	}
	return c.Quit()
}

func (e *Email) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(e.cfg.SMTPServer, strconv.Itoa(e.cfg.SMTPPort))
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("notify: email: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.cfg.SMTPServer)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: email: handshake with %s: %w", addr, err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(e.tls); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("notify: email: STARTTLS: %w", err)
		}
	}
	if e.cfg.SenderPassword != "" {
		auth := smtp.PlainAuth("", e.cfg.SenderEmail, e.cfg.SenderPassword, e.cfg.SMTPServer)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("notify: email: auth as %s: %w", e.cfg.SenderEmail, err)
		}
	}
	return c, nil
}

func subject(a alert.Alert) string {
	return "FIM Alert: " + a.Title()
}

// message renders the RFC 5322 message for a.
func (e *Email) message(a alert.Alert) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.SenderEmail)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.RecipientEmails, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject(a))
	fmt.Fprintf(&b, "Date: %s\r\n", a.Timestamp.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@fim>\r\n", a.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(Body(a))
	return b.Bytes()
}

// Body returns the plain-text notification body for a, shared by the email
// channel and anything else that renders alerts as text.
func Body(a alert.Alert) string {
	var b strings.Builder
	b.WriteString("File Integrity Alert\r\n")
	b.WriteString("--------------------\r\n")
	fmt.Fprintf(&b, "Type: %s\r\n", a.Title())
	fmt.Fprintf(&b, "File: %s\r\n", a.FileName)
	fmt.Fprintf(&b, "Path: %s\r\n", a.FullPath)
	fmt.Fprintf(&b, "Time: %s\r\n", a.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Details: %s\r\n", a.Details)
	b.WriteString("\r\n")
	b.WriteString("Action Required: Investigate immediately.\r\n")
	return b.String()
}
