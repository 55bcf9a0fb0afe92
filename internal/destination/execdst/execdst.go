// Package execdst implements the subprocess destination: one process is
// spawned per delivery attempt, the message is streamed to its stdin, and
// a non-zero exit surfaces as a delivery failure.
package execdst

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"

	"github.com/idlemail/idlemail/internal/mail"
)

// Environment variables injected into every spawned process, in addition
// to the inherited environment and any configured overrides.
const (
	EnvSource      = "IDLEMAIL_SOURCE"
	EnvDestination = "IDLEMAIL_DESTINATION"
)

// Config for one exec destination.
type Config struct {
	Executable  string
	Arguments   []string
	Environment map[string]string
}

// Destination delivers mail by piping it to a subprocess.
type Destination struct {
	name string
	cfg  Config
	log  *slog.Logger
}

// New creates an exec destination.
func New(name string, cfg Config, log *slog.Logger) *Destination {
	return &Destination{
		name: name,
		cfg:  cfg,
		log:  log.With("destination", name),
	}
}

// Name returns the configured destination name.
func (d *Destination) Name() string { return d.name }

// Deliver spawns the configured executable, writes the raw message to its
// stdin, and waits for it to exit. Spawn failures and non-zero exits are
// delivery failures.
func (d *Destination) Deliver(ctx context.Context, msg mail.Message) error {
	cmd := exec.CommandContext(ctx, d.cfg.Executable, d.cfg.Arguments...)
	cmd.Env = append(os.Environ(), envPairs(d.cfg.Environment)...)
	cmd.Env = append(cmd.Env,
		EnvSource+"="+msg.Source,
		EnvDestination+"="+d.name,
	)
	cmd.Stdin = bytes.NewReader(msg.Data)

	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		d.log.Debug("child output", "mail", msg.ID, "output", string(output))
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", d.cfg.Executable, err)
	}
	return nil
}

// envPairs renders the configured overrides in deterministic order.
func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
