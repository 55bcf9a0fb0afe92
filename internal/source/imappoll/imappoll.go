// Package imappoll implements the polling mail source: on a fixed
// interval it scans the whole account for unread messages and emits them.
package imappoll

import (
	"context"
	"log/slog"
	"time"

	"github.com/idlemail/idlemail/internal/mail"
	"github.com/idlemail/idlemail/internal/source/imapx"
)

// Config for one polling source.
type Config struct {
	Client   imapx.ClientConfig
	Interval time.Duration
	Keep     bool
}

// Source polls an IMAP account. One session per poll cycle: a connection
// or protocol failure spoils at most that cycle, never the process.
type Source struct {
	name string
	cfg  Config
	log  *slog.Logger
}

// New creates a polling source.
func New(name string, cfg Config, log *slog.Logger) *Source {
	return &Source{
		name: name,
		cfg:  cfg,
		log:  log.With("source", name),
	}
}

// Name returns the configured source name.
func (s *Source) Name() string { return s.name }

// Run polls until ctx is cancelled. The first poll happens immediately;
// afterwards the loop sleeps for the configured interval between cycles.
func (s *Source) Run(ctx context.Context, emit func(mail.Message)) error {
	for {
		s.log.Info("polling for unread mail")
		if err := s.poll(ctx, emit); err != nil {
			s.log.Error("poll cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Interval):
		}
	}
}

func (s *Source) poll(ctx context.Context, emit func(mail.Message)) error {
	client, err := imapx.Dial(s.cfg.Client, nil)
	if err != nil {
		return err
	}
	defer imapx.Close(client)

	boxes, err := imapx.Mailboxes(client)
	if err != nil {
		return err
	}
	for _, box := range boxes {
		if ctx.Err() != nil {
			return nil
		}
		n, err := imapx.DrainUnseen(client, box.Name, s.cfg.Keep, func(data []byte) {
			emit(mail.New(s.name, data))
		})
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Debug("unread mail forwarded", "mailbox", box.Path, "count", n)
		}
	}
	return nil
}
