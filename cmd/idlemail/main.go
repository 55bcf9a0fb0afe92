// Package main is the entry point for the idlemail forwarding daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/idlemail/idlemail/internal/config"
	"github.com/idlemail/idlemail/internal/destination/execdst"
	"github.com/idlemail/idlemail/internal/destination/sesdst"
	"github.com/idlemail/idlemail/internal/destination/smtpdst"
	"github.com/idlemail/idlemail/internal/destination/stdoutdst"
	"github.com/idlemail/idlemail/internal/hub"
	"github.com/idlemail/idlemail/internal/retry"
	"github.com/idlemail/idlemail/internal/source/imapidle"
	"github.com/idlemail/idlemail/internal/source/imappoll"
	"github.com/idlemail/idlemail/internal/source/imapx"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if *configPath == "" {
		slog.Error("no configuration file given, use -config")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)
	log := slog.Default()

	// Setup graceful shutdown before any component starts.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	h, err := buildHub(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build hub", "error", err)
		os.Exit(1)
	}

	log.Info("starting idlemail",
		"sources", len(cfg.Sources),
		"destinations", len(cfg.Destinations),
		"retryagent", cfg.RetryAgent != nil,
	)

	if err := h.Run(ctx); err != nil {
		log.Error("hub error", "error", err)
		os.Exit(1)
	}
	log.Info("idlemail stopped")
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// buildHub maps validated configuration onto concrete sources,
// destinations, and the optional retry agent.
func buildHub(ctx context.Context, cfg *config.Config, log *slog.Logger) (*hub.Hub, error) {
	var sources []hub.Source
	for name, src := range cfg.Sources {
		switch {
		case src.ImapPoll != nil:
			c := src.ImapPoll
			sources = append(sources, imappoll.New(name, imappoll.Config{
				Client:   clientConfig(c.Server, c.Port, c.Auth),
				Interval: time.Duration(c.Interval) * time.Second,
				Keep:     c.Keep,
			}, log))
		case src.ImapIdle != nil:
			c := src.ImapIdle
			sources = append(sources, imapidle.New(name, imapidle.Config{
				Client:        clientConfig(c.Server, c.Port, c.Auth),
				Path:          c.Path,
				RenewInterval: time.Duration(c.RenewInterval) * time.Second,
				Keep:          c.Keep,
			}, log))
		}
	}

	var destinations []hub.Destination
	for name, dst := range cfg.Destinations {
		switch {
		case dst.Smtp != nil:
			c := dst.Smtp
			var auth *smtpdst.Auth
			if c.Auth != nil {
				auth = &smtpdst.Auth{Method: c.Auth.Type, User: c.Auth.User, Password: c.Auth.Password}
			}
			destinations = append(destinations, smtpdst.New(name, smtpdst.Config{
				Server:    c.Server,
				Port:      c.Port,
				Ssl:       c.Ssl,
				Recipient: c.Recipient,
				Auth:      auth,
			}, log))
		case dst.Exec != nil:
			c := dst.Exec
			destinations = append(destinations, execdst.New(name, execdst.Config{
				Executable:  c.Executable,
				Arguments:   c.Arguments,
				Environment: c.Environment,
			}, log))
		case dst.Ses != nil:
			c := dst.Ses
			d, err := sesdst.New(ctx, name, sesdst.Config{
				Region:          c.Region,
				AccessKeyID:     c.AccessKeyID,
				SecretAccessKey: c.SecretAccessKey,
				Sender:          c.Sender,
				Recipient:       c.Recipient,
			}, log)
			if err != nil {
				return nil, err
			}
			destinations = append(destinations, d)
		case dst.Stdout != nil:
			destinations = append(destinations, stdoutdst.New(name))
		}
	}

	var agent hub.RetryAgent
	if cfg.RetryAgent != nil {
		switch {
		case cfg.RetryAgent.Memory != nil:
			agent = retry.NewMemory(time.Duration(cfg.RetryAgent.Memory.Delay)*time.Second, log)
		case cfg.RetryAgent.Filesystem != nil:
			c := cfg.RetryAgent.Filesystem
			fs, err := retry.NewFilesystem(c.Path, time.Duration(c.Delay)*time.Second, log)
			if err != nil {
				return nil, err
			}
			agent = fs
		}
	}

	return hub.New(log, cfg.Mappings, sources, destinations, agent), nil
}

func clientConfig(server string, port int, auth config.AuthConfig) imapx.ClientConfig {
	return imapx.ClientConfig{
		Server: server,
		Port:   port,
		Auth: imapx.Auth{
			Method:   auth.Type,
			User:     auth.User,
			Password: auth.Password,
		},
	}
}
