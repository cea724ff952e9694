package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"promptlab/internal/platform/config"
)

// Sender delivers transactional mail.
type Sender interface {
	SendMagicLink(ctx context.Context, to, link string, expiresIn time.Duration) error
}

// New picks the sender named by cfg.Provider. The log sender writes usable
// links to the log, so it is refused in production.
func New(cfg config.EmailConfig, production bool) (Sender, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("smtp email provider requires email.smtp.host")
		}
		return NewSMTPSender(cfg.SMTP), nil
	case "", "log":
		if production {
			return nil, fmt.Errorf("email provider %q is not allowed in production", cfg.Provider)
		}
		return LogSender{}, nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// LogSender writes the link to the log instead of sending mail. Development only.
type LogSender struct{}

func (LogSender) SendMagicLink(_ context.Context, to, link string, expiresIn time.Duration) error {
	log.Info().Str("to", to).Str("link", link).Dur("expires_in", expiresIn).Msg("magic link (log sender)")
	return nil
}

type SMTPSender struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) SendMagicLink(ctx context.Context, to, link string, expiresIn time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := buildMagicLinkMessage(s.cfg.FromName, s.cfg.FromAddress, to, link, expiresIn)
	if err := s.send(addr, auth, s.cfg.FromAddress, []string{to}, msg); err != nil {
		return fmt.Errorf("send magic link to %s: %w", to, err)
	}
	return nil
}

func buildMagicLinkMessage(fromName, fromAddr, to, link string, expiresIn time.Duration) []byte {
	var b strings.Builder
	from := fromAddr
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromAddr)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	b.WriteString("Subject: Your Prompt Lab sign-in link\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString("Click the link below to sign in to Prompt Lab:\r\n\r\n")
	b.WriteString(link + "\r\n\r\n")
	fmt.Fprintf(&b, "This link expires in %d minutes. If you did not request it, you can ignore this email.\r\n", int(expiresIn.Minutes()))
	return []byte(b.String())
}
