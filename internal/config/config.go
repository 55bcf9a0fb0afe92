// Package config provides YAML configuration loading and validation for
// the forwarding daemon: sources, destinations, the optional retry agent,
// and the source-to-destination mappings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration. The routing table built
// from it is immutable for the process lifetime; there is no dynamic
// reconfiguration.
type Config struct {
	Sources      map[string]SourceConfig      `yaml:"sources"`
	Destinations map[string]DestinationConfig `yaml:"destinations"`
	RetryAgent   *RetryAgentConfig            `yaml:"retryagent"`
	Mappings     map[string][]string          `yaml:"mappings"`
	Logging      LoggingConfig                `yaml:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AuthConfig selects how to authenticate against a mail server.
type AuthConfig struct {
	Type     string `yaml:"type"` // none, plain, login
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SourceConfig is a type-tagged source variant. Exactly one of the variant
// pointers is set after unmarshalling.
type SourceConfig struct {
	Type     string
	ImapPoll *ImapPollConfig
	ImapIdle *ImapIdleConfig
}

// ImapPollConfig configures a source that scans the whole account for
// unread mail on a fixed interval.
type ImapPollConfig struct {
	Server   string     `yaml:"server"`
	Port     int        `yaml:"port"`
	Interval int        `yaml:"interval"` // seconds between poll cycles
	Keep     bool       `yaml:"keep"`     // keep messages on the server after forwarding
	Auth     AuthConfig `yaml:"auth"`
}

// ImapIdleConfig configures a source that waits for server-pushed new-mail
// notifications on a single mailbox.
type ImapIdleConfig struct {
	Server        string     `yaml:"server"`
	Port          int        `yaml:"port"`
	Path          string     `yaml:"path"`          // "/"-delimited mailbox path
	RenewInterval int        `yaml:"renewinterval"` // seconds between proactive IDLE refreshes
	Keep          bool       `yaml:"keep"`
	Auth          AuthConfig `yaml:"auth"`
}

func (c *SourceConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	c.Type = head.Type
	switch head.Type {
	case "imap_poll":
		c.ImapPoll = &ImapPollConfig{}
		return node.Decode(c.ImapPoll)
	case "imap_idle":
		c.ImapIdle = &ImapIdleConfig{}
		return node.Decode(c.ImapIdle)
	default:
		return fmt.Errorf("unknown source type %q", head.Type)
	}
}

// DestinationConfig is a type-tagged destination variant.
type DestinationConfig struct {
	Type   string
	Smtp   *SmtpConfig
	Exec   *ExecConfig
	Ses    *SesConfig
	Stdout *StdoutConfig
}

// SmtpConfig configures delivery through an SMTP submission session.
type SmtpConfig struct {
	Server    string      `yaml:"server"`
	Port      int         `yaml:"port"`
	Ssl       bool        `yaml:"ssl"` // implicit TLS when true, STARTTLS otherwise
	Recipient string      `yaml:"recipient"`
	Auth      *AuthConfig `yaml:"auth"`
}

// ExecConfig configures delivery by piping the message to a subprocess,
// one process per delivery attempt.
type ExecConfig struct {
	Executable  string            `yaml:"executable"`
	Arguments   []string          `yaml:"arguments"`
	Environment map[string]string `yaml:"environment"`
}

// SesConfig configures delivery through the AWS SES v2 API.
type SesConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Recipient       string `yaml:"recipient"`
}

// StdoutConfig configures the debug destination that writes messages to
// standard output.
type StdoutConfig struct{}

func (c *DestinationConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	c.Type = head.Type
	switch head.Type {
	case "smtp":
		c.Smtp = &SmtpConfig{}
		return node.Decode(c.Smtp)
	case "exec":
		c.Exec = &ExecConfig{}
		return node.Decode(c.Exec)
	case "ses":
		c.Ses = &SesConfig{}
		return node.Decode(c.Ses)
	case "stdout":
		c.Stdout = &StdoutConfig{}
		return nil
	default:
		return fmt.Errorf("unknown destination type %q", head.Type)
	}
}

// RetryAgentConfig is a type-tagged retry agent variant.
type RetryAgentConfig struct {
	Type       string
	Memory     *MemoryRetryConfig
	Filesystem *FilesystemRetryConfig
}

// MemoryRetryConfig configures the in-process retry queue.
type MemoryRetryConfig struct {
	Delay int `yaml:"delay"` // seconds between failure and re-submission
}

// FilesystemRetryConfig configures the durable retry queue.
type FilesystemRetryConfig struct {
	Delay int    `yaml:"delay"`
	Path  string `yaml:"path"` // existing directory for persisted entries
}

func (c *RetryAgentConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	c.Type = head.Type
	switch head.Type {
	case "memory":
		c.Memory = &MemoryRetryConfig{}
		return node.Decode(c.Memory)
	case "filesystem":
		c.Filesystem = &FilesystemRetryConfig{}
		return node.Decode(c.Filesystem)
	default:
		return fmt.Errorf("unknown retryagent type %q", head.Type)
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	cfg.applyDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Logging.Level = "info"
}

// Validate rejects structurally broken configuration. These errors are
// fatal at startup: a routing table that references unknown names must
// never reach the hub.
func (c *Config) Validate() error {
	for srcname, dsts := range c.Mappings {
		if _, ok := c.Sources[srcname]; !ok {
			return fmt.Errorf("mappings reference unknown source %q", srcname)
		}
		for _, dstname := range dsts {
			if _, ok := c.Destinations[dstname]; !ok {
				return fmt.Errorf("mappings for source %q reference unknown destination %q", srcname, dstname)
			}
		}
	}
	for srcname := range c.Sources {
		if _, ok := c.Mappings[srcname]; !ok {
			return fmt.Errorf("source %q has no mapping", srcname)
		}
	}

	for name, src := range c.Sources {
		switch {
		case src.ImapPoll != nil:
			if src.ImapPoll.Server == "" {
				return fmt.Errorf("source %q: server is required", name)
			}
			if src.ImapPoll.Interval <= 0 {
				return fmt.Errorf("source %q: interval must be > 0", name)
			}
		case src.ImapIdle != nil:
			if src.ImapIdle.Server == "" {
				return fmt.Errorf("source %q: server is required", name)
			}
			if src.ImapIdle.Path == "" {
				return fmt.Errorf("source %q: path is required", name)
			}
			if src.ImapIdle.RenewInterval <= 0 {
				return fmt.Errorf("source %q: renewinterval must be > 0", name)
			}
		}
	}

	for name, dst := range c.Destinations {
		switch {
		case dst.Smtp != nil:
			if dst.Smtp.Server == "" {
				return fmt.Errorf("destination %q: server is required", name)
			}
			if dst.Smtp.Recipient == "" {
				return fmt.Errorf("destination %q: recipient is required", name)
			}
		case dst.Exec != nil:
			if dst.Exec.Executable == "" {
				return fmt.Errorf("destination %q: executable is required", name)
			}
		case dst.Ses != nil:
			if dst.Ses.Region == "" || dst.Ses.Sender == "" || dst.Ses.Recipient == "" {
				return fmt.Errorf("destination %q: region, sender and recipient are required", name)
			}
		}
	}

	if c.RetryAgent != nil {
		switch {
		case c.RetryAgent.Memory != nil:
			if c.RetryAgent.Memory.Delay <= 0 {
				return fmt.Errorf("retryagent: delay must be > 0")
			}
		case c.RetryAgent.Filesystem != nil:
			if c.RetryAgent.Filesystem.Delay <= 0 {
				return fmt.Errorf("retryagent: delay must be > 0")
			}
			info, err := os.Stat(c.RetryAgent.Filesystem.Path)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("retryagent: path %q does not exist", c.RetryAgent.Filesystem.Path)
			}
		}
	}

	return nil
}
