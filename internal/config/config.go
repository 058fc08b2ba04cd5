package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/imaprelay/internal/blacklist"
	"github.com/tracyhatemice/imaprelay/internal/credential"
	"github.com/tracyhatemice/imaprelay/internal/forwarder"
	"github.com/tracyhatemice/imaprelay/internal/receiver"
	"github.com/tracyhatemice/imaprelay/internal/sender"
)

// DefaultInterval is the poll interval used when none (or an invalid one)
// is configured.
const DefaultInterval = 30 * time.Second

// Config is the top-level application configuration.
type Config struct {
	Relay   Relay   `yaml:"relay" toml:"relay"`
	IMAP    IMAP    `yaml:"imap" toml:"imap"`
	SMTP    SMTP    `yaml:"smtp" toml:"smtp"`
	Log     Log     `yaml:"log" toml:"log"`
	Metrics Metrics `yaml:"metrics" toml:"metrics"`

	// Warnings collects non-fatal problems found while loading, to be
	// logged once a logger exists.
	Warnings []string `yaml:"-" toml:"-"`
}

// Relay holds the relay behaviour.
type Relay struct {
	To              string   `yaml:"to" toml:"to"`
	Inbox           string   `yaml:"inbox" toml:"inbox"`
	Archive         string   `yaml:"archive" toml:"archive"`
	Interval        Interval `yaml:"interval" toml:"interval"`
	Autorespond     bool     `yaml:"autorespond" toml:"autorespond"`
	AutorespondText string   `yaml:"autorespond_text" toml:"autorespond_text"`
	AutorespondHTML bool     `yaml:"autorespond_html" toml:"autorespond_html"`
	AutorespondFrom string   `yaml:"autorespond_from" toml:"autorespond_from"`
	RateLimitActive bool     `yaml:"rate_limit_active" toml:"rate_limit_active"`
	RateLimit       int      `yaml:"rate_limit" toml:"rate_limit"`
	ReplyBlacklist  string   `yaml:"reply_blacklist" toml:"reply_blacklist"`
}

// IMAP holds the incoming mail server configuration.
type IMAP struct {
	Hostname string `yaml:"hostname" toml:"hostname"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// SMTP holds the outgoing mail server configuration.
type SMTP struct {
	Hostname string `yaml:"hostname" toml:"hostname"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	SSL      bool   `yaml:"ssl" toml:"ssl"`
	StartTLS bool   `yaml:"starttls" toml:"starttls"`
	Helo     string `yaml:"helo" toml:"helo"`
}

// Log selects the log level and handler.
type Log struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// Metrics configures the Prometheus listener. Empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Interval is the poll interval as written in the file: whole seconds, or
// a Go duration string such as "2m".
type Interval struct {
	raw string
}

func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	i.raw = node.Value
	return nil
}

func (i *Interval) UnmarshalTOML(v any) error {
	i.raw = fmt.Sprint(v)
	return nil
}

// Duration parses the interval. Unset, unparsable and non-positive values
// yield DefaultInterval and ok=false.
func (i Interval) Duration() (d time.Duration, ok bool) {
	raw := strings.TrimSpace(i.raw)
	if raw == "" {
		return DefaultInterval, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(secs) * time.Second
	} else if d, err = time.ParseDuration(raw); err != nil {
		return DefaultInterval, false
	}
	if d <= 0 {
		return DefaultInterval, false
	}
	return d, true
}

// DefaultPath returns the default configuration file location, usually
// ~/.config/imaprelay/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "imaprelay", "config.yaml")
}

func defaults() *Config {
	return &Config{
		Relay: Relay{
			Inbox:           "INBOX",
			Archive:         "Archive",
			RateLimitActive: true,
			RateLimit:       5,
			ReplyBlacklist:  blacklist.DefaultRules,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a YAML or TOML (by .toml extension) configuration
// file. Passwords given as keyring references are resolved through store.
func Load(path string, store credential.Store) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()

	if st, err := os.Stat(path); err == nil && st.Mode().Perm()&0o044 != 0 {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("config file %s is group or world readable, this could leak secrets", path))
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		for _, key := range md.Undecoded() {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown config key %s", key))
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Relay.AutorespondFrom == "" {
		cfg.Relay.AutorespondFrom = cfg.SMTP.Username
	}
	if _, ok := cfg.Relay.Interval.Duration(); !ok && cfg.Relay.Interval.raw != "" {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("could not parse relay interval %q, using default of %s", cfg.Relay.Interval.raw, DefaultInterval))
	}

	if cfg.IMAP.Password, err = credential.Resolve(store, cfg.IMAP.Password); err != nil {
		return nil, fmt.Errorf("imap.password: %w", err)
	}
	if cfg.SMTP.Password, err = credential.Resolve(store, cfg.SMTP.Password); err != nil {
		return nil, fmt.Errorf("smtp.password: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Relay.To == "" {
		return fmt.Errorf("relay.to is required")
	}
	if c.Relay.Inbox == "" {
		return fmt.Errorf("relay.inbox must not be empty")
	}
	if c.Relay.Archive == "" {
		return fmt.Errorf("relay.archive must not be empty")
	}
	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("relay.rate_limit must not be negative")
	}
	if c.Relay.Autorespond && c.Relay.AutorespondFrom == "" {
		return fmt.Errorf("relay.autorespond_from or smtp.username is required when autorespond is enabled")
	}
	if c.IMAP.Hostname == "" {
		return fmt.Errorf("imap.hostname is required")
	}
	if c.SMTP.Hostname == "" {
		return fmt.Errorf("smtp.hostname is required")
	}
	if err := c.SMTPOptions().Validate(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New("log.format must be text or json")
	}
	return nil
}

// ForwarderConfig returns the relay settings.
func (c *Config) ForwarderConfig() forwarder.Config {
	interval, _ := c.Relay.Interval.Duration()
	return forwarder.Config{
		To:              c.Relay.To,
		Inbox:           c.Relay.Inbox,
		Archive:         c.Relay.Archive,
		Interval:        interval,
		Autorespond:     c.Relay.Autorespond,
		AutorespondText: c.Relay.AutorespondText,
		AutorespondHTML: c.Relay.AutorespondHTML,
		AutorespondFrom: c.Relay.AutorespondFrom,
		RateLimitActive: c.Relay.RateLimitActive,
		RateLimit:       c.Relay.RateLimit,
		ReplyBlacklist:  c.Relay.ReplyBlacklist,
	}
}

// IMAPOptions returns the retrieval session settings.
func (c *Config) IMAPOptions() receiver.Options {
	return receiver.Options{
		Host:     c.IMAP.Hostname,
		Username: c.IMAP.Username,
		Password: c.IMAP.Password,
	}
}

// SMTPOptions returns the sending session settings.
func (c *Config) SMTPOptions() sender.Options {
	return sender.Options{
		Host:     c.SMTP.Hostname,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		SSL:      c.SMTP.SSL,
		StartTLS: c.SMTP.StartTLS,
		Helo:     c.SMTP.Helo,
	}
}
