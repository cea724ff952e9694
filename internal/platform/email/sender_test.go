package email

import (
	"context"
	"errors"
	"net/smtp"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptlab/internal/platform/config"
)

func TestSMTPSender_SendMagicLink(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "mail.local", Port: 2525, FromAddress: "no-reply@promptlab.dev", FromName: "Prompt Lab"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.Nil(t, a)
		return nil
	}

	err := s.SendMagicLink(context.Background(), "new@example.com", "https://app/auth/verify?token=t", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, "no-reply@promptlab.dev", gotFrom)
	assert.Equal(t, []string{"new@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "https://app/auth/verify?token=t")
	assert.Contains(t, string(gotMsg), "expires in 15 minutes")
	assert.Contains(t, string(gotMsg), "From: Prompt Lab <no-reply@promptlab.dev>")
}

func TestSMTPSender_WrapsError(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "mail.local", Port: 25})
	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }

	err := s.SendMagicLink(context.Background(), "a@b.io", "link", time.Minute)
	assert.ErrorContains(t, err, "connection refused")
}

func TestNew(t *testing.T) {
	s, err := New(config.EmailConfig{Provider: "log"}, false)
	require.NoError(t, err)
	assert.IsType(t, LogSender{}, s)

	s, err = New(config.EmailConfig{Provider: "smtp", SMTP: config.SMTPConfig{Host: "mail.local", Port: 25}}, true)
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)

	_, err = New(config.EmailConfig{Provider: "smtp"}, false)
	assert.Error(t, err)

	_, err = New(config.EmailConfig{Provider: "carrier-pigeon"}, false)
	assert.Error(t, err)
}

func TestNew_RefusesLogSenderInProduction(t *testing.T) {
	for _, provider := range []string{"log", ""} {
		s, err := New(config.EmailConfig{Provider: provider}, true)
		assert.Error(t, err, "provider %q", provider)
		assert.Nil(t, s)
	}
}

func TestNew_DefaultConfigFailsInProduction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: production\njwt:\n  secret: s\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())

	_, err = New(cfg.Email, cfg.IsProduction())
	assert.ErrorContains(t, err, "not allowed in production")
}
