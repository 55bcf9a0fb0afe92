package smtpdst

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/idlemail/idlemail/internal/mail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer speaks just enough SMTP to exercise one submission session.
type fakeServer struct {
	ln net.Listener

	mu        sync.Mutex
	rcptReply string
	commands  []string
	data      string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, rcptReply: "250 2.1.5 ok"}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake ESMTP\r\n")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		switch {
		case strings.HasPrefix(line, "EHLO"):
			fmt.Fprintf(conn, "250-fake\r\n250 AUTH PLAIN LOGIN\r\n")
		case strings.HasPrefix(line, "HELO"):
			fmt.Fprintf(conn, "250 fake\r\n")
		case strings.HasPrefix(line, "AUTH"):
			fmt.Fprintf(conn, "235 2.7.0 authenticated\r\n")
		case strings.HasPrefix(line, "MAIL"):
			fmt.Fprintf(conn, "250 2.1.0 ok\r\n")
		case strings.HasPrefix(line, "RCPT"):
			s.mu.Lock()
			reply := s.rcptReply
			s.mu.Unlock()
			fmt.Fprintf(conn, "%s\r\n", reply)
		case line == "DATA":
			fmt.Fprintf(conn, "354 go ahead\r\n")
			var body strings.Builder
			for {
				dl, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				body.WriteString(dl)
			}
			s.mu.Lock()
			s.data = body.String()
			s.mu.Unlock()
			fmt.Fprintf(conn, "250 2.0.0 queued\r\n")
		case line == "QUIT":
			fmt.Fprintf(conn, "221 2.0.0 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 ok\r\n")
		}
	}
}

func (s *fakeServer) rejectRcpt(reply string) {
	s.mu.Lock()
	s.rcptReply = reply
	s.mu.Unlock()
}

func (s *fakeServer) received() ([]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...), s.data
}

func (s *fakeServer) command(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.HasPrefix(c, prefix) {
			return c
		}
	}
	return ""
}

func plainDialer(addr string) func() (*smtp.Client, error) {
	return func() (*smtp.Client, error) {
		return smtp.Dial(addr)
	}
}

func TestDeliver_SubmitsEnvelopeAndPayload(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	cfg := Config{Server: "fake", Port: 25, Recipient: "target@example.org"}
	dst := NewWithDialer("relay", cfg, testLogger(), plainDialer(srv.ln.Addr().String()))

	payload := "Subject: hi\r\n\r\nbody\r\n"
	msg := mail.New("inbox", []byte(payload))
	if err := dst.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	_, data := srv.received()
	if got := srv.command("MAIL"); got != "MAIL FROM:<>" {
		t.Errorf("reverse-path: got %q, want %q", got, "MAIL FROM:<>")
	}
	if got := srv.command("RCPT"); got != "RCPT TO:<target@example.org>" {
		t.Errorf("recipient: got %q, want %q", got, "RCPT TO:<target@example.org>")
	}
	if data != payload {
		t.Errorf("payload: got %q, want %q", data, payload)
	}
	if got := srv.command("QUIT"); got == "" {
		t.Error("session was not closed with QUIT")
	}
}

func TestDeliver_AuthenticatesWhenConfigured(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	cfg := Config{
		Server:    "fake",
		Port:      25,
		Recipient: "target@example.org",
		Auth:      &Auth{Method: AuthPlain, User: "alice", Password: "secret"},
	}
	dst := NewWithDialer("relay", cfg, testLogger(), plainDialer(srv.ln.Addr().String()))

	msg := mail.New("inbox", []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err := dst.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if got := srv.command("AUTH"); !strings.HasPrefix(got, "AUTH PLAIN ") {
		t.Errorf("auth command: got %q, want an AUTH PLAIN exchange", got)
	}
}

func TestDeliver_RejectedRecipientIsFailure(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	srv.rejectRcpt("550 5.1.1 no such user")
	cfg := Config{Server: "fake", Port: 25, Recipient: "absent@example.org"}
	dst := NewWithDialer("relay", cfg, testLogger(), plainDialer(srv.ln.Addr().String()))

	msg := mail.New("inbox", []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err := dst.Deliver(context.Background(), msg); err == nil {
		t.Error("expected an error for a rejected recipient")
	}
	if _, data := srv.received(); data != "" {
		t.Errorf("payload transmitted despite rejected recipient: %q", data)
	}
}

func TestDeliver_UnsupportedAuthMethodIsFailure(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	cfg := Config{
		Server:    "fake",
		Port:      25,
		Recipient: "target@example.org",
		Auth:      &Auth{Method: "cram-md5", User: "alice", Password: "secret"},
	}
	dst := NewWithDialer("relay", cfg, testLogger(), plainDialer(srv.ln.Addr().String()))

	msg := mail.New("inbox", []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err := dst.Deliver(context.Background(), msg); err == nil {
		t.Error("expected an error for an unsupported auth method")
	}
}
