// Package imapidle implements the push-notified mail source: it drains
// one mailbox, then sits in IMAP IDLE waiting for the server to announce
// new mail, proactively refreshing the wait before servers drop it as
// idle.
package imapidle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/idlemail/idlemail/internal/mail"
	"github.com/idlemail/idlemail/internal/source/imapx"
)

// reconnectDelay is how long to back off after a failed IMAP session
// before establishing a new one.
const reconnectDelay = 10 * time.Second

// Config for one IDLE source. Path names a single "/"-delimited mailbox;
// IDLE cannot span mailboxes.
type Config struct {
	Client        imapx.ClientConfig
	Path          string
	RenewInterval time.Duration
	Keep          bool
}

// session is one established IMAP connection watching the configured
// mailbox.
type session interface {
	// Drain emits every currently unread message and returns the count.
	Drain(emit func(data []byte)) (int, error)
	// Wait blocks inside IDLE until the server pushes a new-mail
	// notification, the renew interval elapses, or ctx is cancelled.
	Wait(ctx context.Context, renew time.Duration) error
	Close()
}

// Source waits for server-pushed new-mail notifications on one mailbox.
type Source struct {
	name string
	cfg  Config
	log  *slog.Logger

	// connect is swapped out by tests.
	connect func(ctx context.Context) (session, error)
}

// New creates an IDLE source.
func New(name string, cfg Config, log *slog.Logger) *Source {
	s := &Source{
		name: name,
		cfg:  cfg,
		log:  log.With("source", name),
	}
	s.connect = s.dial
	return s
}

// Name returns the configured source name.
func (s *Source) Name() string { return s.name }

// Run keeps a watch session alive until ctx is cancelled, reconnecting
// after session failures.
func (s *Source) Run(ctx context.Context, emit func(mail.Message)) error {
	for {
		if err := s.watch(ctx, emit); err != nil {
			s.log.Error("imap session failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// watch runs one session: drain, wait, repeat. The mailbox is re-scanned
// after every wake-up, whether it came from a server push or from the
// renew timer, so a notification delivered while the wait was being
// refreshed is picked up by the scan instead of being lost.
func (s *Source) watch(ctx context.Context, emit func(mail.Message)) error {
	sess, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	for {
		n, err := sess.Drain(func(data []byte) {
			emit(mail.New(s.name, data))
		})
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Debug("unread mail forwarded", "mailbox", s.cfg.Path, "count", n)
		}
		if ctx.Err() != nil {
			return nil
		}

		s.log.Debug("entering idle to wait for server notification")
		if err := sess.Wait(ctx, s.cfg.RenewInterval); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Source) dial(_ context.Context) (session, error) {
	notify := make(chan struct{}, 1)
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			},
		},
	}

	client, err := imapx.Dial(s.cfg.Client, options)
	if err != nil {
		return nil, err
	}
	box, err := imapx.ResolveMailbox(client, s.cfg.Path)
	if err != nil {
		imapx.Close(client)
		return nil, err
	}
	return &imapSession{
		client:  client,
		mailbox: box.Name,
		keep:    s.cfg.Keep,
		notify:  notify,
	}, nil
}

type imapSession struct {
	client  *imapclient.Client
	mailbox string
	keep    bool
	notify  chan struct{}
}

func (s *imapSession) Drain(emit func(data []byte)) (int, error) {
	return imapx.DrainUnseen(s.client, s.mailbox, s.keep, emit)
}

func (s *imapSession) Wait(ctx context.Context, renew time.Duration) error {
	// A notification that raced in between drain and wait is still
	// pending on the channel and ends the wait immediately.
	idleCmd, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("starting idle: %w", err)
	}

	renewTimer := time.NewTimer(renew)
	defer renewTimer.Stop()
	select {
	case <-ctx.Done():
	case <-s.notify:
	case <-renewTimer.C:
	}

	if err := idleCmd.Close(); err != nil {
		return fmt.Errorf("ending idle: %w", err)
	}
	if err := idleCmd.Wait(); err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	return nil
}

func (s *imapSession) Close() {
	imapx.Close(s.client)
}
