// Package mail defines the message data model shared by sources,
// destinations, and the hub.
package mail

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Message is one piece of mail plus routing metadata. The payload is
// MIME-opaque to the rest of the system and must never be mutated after
// construction: the same Message value is shared read-only by the hub and
// every destination it fans out to.
type Message struct {
	// ID is derived from the payload content, so it stays stable across
	// process restarts when a message survives in a persisted retry queue.
	ID string

	// Source is the name of the configured source the message came from.
	Source string

	// Received is the time the message was first emitted into the hub.
	Received time.Time

	// Data is the raw RFC 822 payload. Read-only by convention.
	Data []byte
}

// New builds a Message from a raw payload freshly fetched by a source.
// The payload is copied so later buffer reuse by the caller cannot leak
// into the shared value.
func New(source string, data []byte) Message {
	return Restore(source, data, time.Now())
}

// Restore rebuilds a Message from persisted state, keeping the original
// submission time. The content-derived ID is recomputed and therefore
// identical to the one assigned before the restart.
func Restore(source string, data []byte, received time.Time) Message {
	payload := make([]byte, len(data))
	copy(payload, data)
	sum := sha256.Sum256(payload)
	return Message{
		ID:       hex.EncodeToString(sum[:8]),
		Source:   source,
		Received: received,
		Data:     payload,
	}
}

// Subject extracts the Subject header for log lines. Best effort: a
// payload that does not parse as a mail message yields "".
func (m Message) Subject() string {
	r, err := gomail.CreateReader(bytes.NewReader(m.Data))
	if err != nil {
		return ""
	}
	defer r.Close()
	subject, err := r.Header.Subject()
	if err != nil {
		return ""
	}
	return subject
}
