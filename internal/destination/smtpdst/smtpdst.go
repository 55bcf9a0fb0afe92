// Package smtpdst implements the SMTP destination: every delivery opens a
// submission session, authenticates, hands the raw message to the
// configured recipient, and closes the session. It never retries
// internally; retry policy lives in the retry agent.
package smtpdst

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/idlemail/idlemail/internal/mail"
)

// Auth method names, matching the configuration values.
const (
	AuthPlain = "plain"
	AuthLogin = "login"
)

// Auth describes SMTP authentication credentials.
type Auth struct {
	Method   string
	User     string
	Password string
}

// Config for one SMTP destination. Ssl selects implicit TLS; otherwise
// the session is upgraded with STARTTLS.
type Config struct {
	Server    string
	Port      int
	Ssl       bool
	Recipient string
	Auth      *Auth
}

// Destination delivers mail over SMTP.
type Destination struct {
	name string
	cfg  Config
	log  *slog.Logger
	dial func() (*smtp.Client, error)
}

// New creates an SMTP destination.
func New(name string, cfg Config, log *slog.Logger) *Destination {
	d := &Destination{
		name: name,
		cfg:  cfg,
		log:  log.With("destination", name),
	}
	d.dial = d.dialSession
	return d
}

// NewWithDialer creates an SMTP destination with a custom session dialer,
// used by tests.
func NewWithDialer(name string, cfg Config, log *slog.Logger, dial func() (*smtp.Client, error)) *Destination {
	d := New(name, cfg, log)
	d.dial = dial
	return d
}

// Name returns the configured destination name.
func (d *Destination) Name() string { return d.name }

// Deliver submits the message envelope-unchanged to the configured
// recipient with an empty reverse-path, one session per attempt.
func (d *Destination) Deliver(_ context.Context, msg mail.Message) error {
	client, err := d.dial()
	if err != nil {
		return fmt.Errorf("dialing smtp %s: %w", d.addr(), err)
	}
	defer client.Close()

	if d.cfg.Auth != nil {
		var saslClient sasl.Client
		switch d.cfg.Auth.Method {
		case AuthLogin:
			saslClient = sasl.NewLoginClient(d.cfg.Auth.User, d.cfg.Auth.Password)
		case AuthPlain, "":
			saslClient = sasl.NewPlainClient("", d.cfg.Auth.User, d.cfg.Auth.Password)
		default:
			return fmt.Errorf("unsupported auth method %q", d.cfg.Auth.Method)
		}
		if err := client.Auth(saslClient); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail("", nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(d.cfg.Recipient, nil); err != nil {
		return fmt.Errorf("rcpt to %s: %w", d.cfg.Recipient, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(msg.Data)); err != nil {
		w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}

	d.log.Debug("mail submitted", "mail", msg.ID, "recipient", d.cfg.Recipient)
	return nil
}

func (d *Destination) addr() string {
	return net.JoinHostPort(d.cfg.Server, strconv.Itoa(d.cfg.Port))
}

func (d *Destination) dialSession() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName: d.cfg.Server,
		MinVersion: tls.VersionTLS12,
	}
	if d.cfg.Ssl {
		return smtp.DialTLS(d.addr(), tlsConfig)
	}
	return smtp.DialStartTLS(d.addr(), tlsConfig)
}
