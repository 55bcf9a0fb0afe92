// Package stdoutdst implements a debug destination that writes the raw
// message to standard output. Useful for smoke-testing a routing setup
// without a real destination; it never fails a delivery.
package stdoutdst

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/idlemail/idlemail/internal/mail"
)

// Destination prints messages in a human-readable framing.
type Destination struct {
	name   string
	writer io.Writer
}

// New creates a stdout destination.
func New(name string) *Destination {
	return &Destination{name: name, writer: os.Stdout}
}

// NewWithWriter creates a stdout destination writing to w, used by tests.
func NewWithWriter(name string, w io.Writer) *Destination {
	return &Destination{name: name, writer: w}
}

// Name returns the configured destination name.
func (d *Destination) Name() string { return d.name }

// Deliver writes the message framed by separator lines. Write errors are
// swallowed: a broken stdout should not send messages into retry.
func (d *Destination) Deliver(_ context.Context, msg mail.Message) error {
	fmt.Fprintf(d.writer, "========================================\n")
	fmt.Fprintf(d.writer, "Source: %s\nMail: %s\n\n", msg.Source, msg.ID)
	d.writer.Write(msg.Data)
	fmt.Fprintf(d.writer, "\n========================================\n")
	return nil
}
