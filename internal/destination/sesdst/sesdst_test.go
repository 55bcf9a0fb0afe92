package sesdst

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/idlemail/idlemail/internal/mail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSendEmailAPI struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (m *mockSendEmailAPI) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{}, nil
}

func TestDeliver_SendsRawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSendEmailAPI{}
	cfg := Config{
		Region:    "eu-central-1",
		Sender:    "noreply@example.org",
		Recipient: "target@example.org",
	}
	dst := NewWithClient("cloud", cfg, testLogger(), mock)

	payload := []byte("Subject: hi\r\n\r\nbody\r\n")
	msg := mail.New("inbox", payload)
	if err := dst.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if len(mock.inputs) != 1 {
		t.Fatalf("SendEmail calls: got %d, want 1", len(mock.inputs))
	}
	input := mock.inputs[0]
	if got := *input.FromEmailAddress; got != cfg.Sender {
		t.Errorf("sender: got %q, want %q", got, cfg.Sender)
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != cfg.Recipient {
		t.Errorf("recipients: got %v, want [%s]", got, cfg.Recipient)
	}
	if got := input.Content.Raw.Data; string(got) != string(payload) {
		t.Errorf("raw payload: got %q, want %q", got, payload)
	}
}

func TestDeliver_APIErrorIsFailure(t *testing.T) {
	t.Parallel()

	mock := &mockSendEmailAPI{err: errors.New("throttled")}
	cfg := Config{
		Region:    "eu-central-1",
		Sender:    "noreply@example.org",
		Recipient: "target@example.org",
	}
	dst := NewWithClient("cloud", cfg, testLogger(), mock)

	msg := mail.New("inbox", []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err := dst.Deliver(context.Background(), msg); err == nil {
		t.Error("expected the API error to surface as a delivery failure")
	}
}
