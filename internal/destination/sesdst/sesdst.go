// Package sesdst implements a destination that forwards the raw message
// through the AWS SES v2 API. Like every other destination it attempts a
// delivery exactly once; re-submission of failures is the retry agent's
// job.
package sesdst

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/idlemail/idlemail/internal/mail"
)

// Config for one SES destination. Sender must be an address or domain
// verified with SES; the key pair is optional and falls back to the
// default AWS credential chain.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	Recipient       string
}

// SendEmailAPI is the slice of the SES v2 client this destination uses.
// Tests substitute a mock.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Destination delivers mail via AWS SES v2.
type Destination struct {
	name   string
	cfg    Config
	log    *slog.Logger
	client SendEmailAPI
}

// New creates an SES destination, loading the AWS configuration for the
// configured region.
func New(ctx context.Context, name string, cfg Config, log *slog.Logger) (*Destination, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(name, cfg, log, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates an SES destination with a custom API client, used
// by tests.
func NewWithClient(name string, cfg Config, log *slog.Logger, client SendEmailAPI) *Destination {
	return &Destination{
		name:   name,
		cfg:    cfg,
		log:    log.With("destination", name),
		client: client,
	}
}

// Name returns the configured destination name.
func (d *Destination) Name() string { return d.name }

// Deliver forwards the message payload unchanged as a raw SES message to
// the configured recipient.
func (d *Destination) Deliver(ctx context.Context, msg mail.Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.cfg.Sender),
		Destination: &types.Destination{
			ToAddresses: []string{d.cfg.Recipient},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg.Data,
			},
		},
	}
	if _, err := d.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	d.log.Debug("mail submitted", "mail", msg.ID, "recipient", d.cfg.Recipient)
	return nil
}
