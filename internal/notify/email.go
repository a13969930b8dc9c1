package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/argus-observability/agentcore/internal/alerts"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
// Adapted from internal/email/smtp.go, which this sink supersedes for
// outbound delivery — the rest of that package's IMAP/triage surface
// has no analog here.
const smtpDialTimeout = 30 * time.Second

// EmailConfig holds the SMTP connection and recipient list for the
// email notification channel.
type EmailConfig struct {
	Host     string
	Port     int
	StartTLS bool // false => implicit TLS on connect (port 465 convention)
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel delivers alerts as a plain-text/HTML multipart message
// over SMTP.
type EmailChannel struct {
	cfg    EmailConfig
	logger *slog.Logger
}

// NewEmailChannel constructs an EmailChannel.
func NewEmailChannel(cfg EmailConfig, logger *slog.Logger) *EmailChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailChannel{cfg: cfg, logger: logger.With("channel", "email")}
}

// Send composes and delivers alert as an email to the configured recipients.
func (e *EmailChannel) Send(ctx context.Context, alert alerts.Alert, rule alerts.Rule) error {
	if e.cfg.Host == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email: host and at least one recipient are required")
	}

	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Title)
	body := fmt.Sprintf(
		"**Rule:** %s\n**Source:** %s\n**Fired:** %s\n**Alert ID:** %s\n\n%s\n",
		rule.Name, alert.Source, alert.FiredAt.Format(time.RFC3339), alert.ID, alert.Summary,
	)

	msg, err := composeMessage(e.cfg.From, e.cfg.To, subject, body)
	if err != nil {
		return fmt.Errorf("compose alert email: %w", err)
	}

	if err := sendMail(ctx, e.cfg, e.cfg.From, e.cfg.To, msg); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	e.logger.Debug("alert emailed", "alert_id", alert.ID, "to", len(e.cfg.To))
	return nil
}

// composeMessage builds a multipart/alternative RFC 5322 message from a
// markdown body, adapted from internal/email/compose.go.
func composeMessage(from string, to []string, subject, mdBody string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddrs := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("parse to address %q: %w", addr, err)
		}
		toAddrs = append(toAddrs, parsed)
	}
	h.SetAddressList("To", toAddrs)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain text part: %w", err)
	}
	if _, err := io.WriteString(pw, mdBody); err != nil {
		return nil, fmt.Errorf("write plain text: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain text part: %w", err)
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(mdBody), &htmlBuf); err != nil {
		return nil, fmt.Errorf("render markdown to html: %w", err)
	}
	html := fmt.Sprintf(`<!DOCTYPE html><html><head><meta charset="utf-8"></head>`+
		`<body style="font-family: sans-serif; font-size: 14px;">%s</body></html>`, htmlBuf.String())

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, html); err != nil {
		return nil, fmt.Errorf("write html: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// sendMail connects to the SMTP server, authenticates, and delivers
// msg, adapted from internal/email/smtp.go. Each call opens and closes
// its own connection.
func sendMail(ctx context.Context, cfg EmailConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	var err error

	if !cfg.StartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
