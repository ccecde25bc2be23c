package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Addr     string   `yaml:"addr"` // host:port, STARTTLS is used when offered
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// DefaultSMTPAddr is the relay the legacy converter mailed through.
const DefaultSMTPAddr = "smtp.gmail.com:587"

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP mails the report as a plain text message.
type SMTP struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewSMTP returns an SMTP sink. smtp.SendMail upgrades with STARTTLS when the
// server advertises it, which PLAIN auth requires for non-local hosts.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Addr == "" {
		cfg.Addr = DefaultSMTPAddr
	}
	return &SMTP{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.cfg.To) == 0 {
		return fmt.Errorf("smtp: no recipients configured")
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host, _, err := net.SplitHostPort(s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("smtp: invalid addr %q: %w", s.cfg.Addr, err)
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	msg := buildMessage(s.cfg.From, s.cfg.To, subject, body)
	if err := s.send(s.cfg.Addr, auth, s.cfg.From, s.cfg.To, msg); err != nil {
		return fmt.Errorf("smtp: send report: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	lines := []string{
		"From: " + from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"Content-Type: text/plain; charset=utf-8",
		"",
		strings.ReplaceAll(body, "\n", "\r\n"),
	}
	return []byte(strings.Join(lines, "\r\n"))
}
