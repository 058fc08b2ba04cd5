package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/imaprelay/internal/blacklist"
	"github.com/tracyhatemice/imaprelay/internal/mailerr"
)

type mapStore map[string]string

func (m mapStore) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalYAML = `
relay:
  to: relay@example.org
imap:
  hostname: imap.example.com
  username: me@example.com
  password: secret
smtp:
  hostname: smtp.example.com
  username: me@example.com
  password: secret
`

func TestLoadYAMLDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML), mapStore{})
	require.NoError(t, err)

	assert.Equal(t, "relay@example.org", cfg.Relay.To)
	assert.Equal(t, "INBOX", cfg.Relay.Inbox)
	assert.Equal(t, "Archive", cfg.Relay.Archive)
	assert.True(t, cfg.Relay.RateLimitActive)
	assert.Equal(t, 5, cfg.Relay.RateLimit)
	assert.Equal(t, blacklist.DefaultRules, cfg.Relay.ReplyBlacklist)
	assert.Equal(t, "me@example.com", cfg.Relay.AutorespondFrom)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Warnings)

	fc := cfg.ForwarderConfig()
	assert.Equal(t, DefaultInterval, fc.Interval)
	assert.False(t, fc.Autorespond)

	assert.Equal(t, "imap.example.com:993", cfg.IMAPOptions().Addr())
	assert.Equal(t, "smtp.example.com:25", cfg.SMTPOptions().Addr())
}

func TestLoadYAMLFull(t *testing.T) {
	path := writeConfig(t, "config.yml", `
relay:
  to: relay@example.org
  inbox: Incoming
  archive: Done
  interval: 120
  autorespond: true
  autorespond_text: "Thanks!\\nI will reply soon."
  autorespond_html: false
  autorespond_from: bot@example.com
  rate_limit_active: false
  rate_limit: 2
  reply_blacklist: "bounce@.*"
imap:
  hostname: imap.example.com:143
smtp:
  hostname: smtp.example.com
  starttls: true
  helo: relay.example.com
log:
  level: debug
  format: json
metrics:
  addr: ":9090"
`)
	cfg, err := Load(path, mapStore{})
	require.NoError(t, err)

	fc := cfg.ForwarderConfig()
	assert.Equal(t, "Incoming", fc.Inbox)
	assert.Equal(t, "Done", fc.Archive)
	assert.Equal(t, 2*time.Minute, fc.Interval)
	assert.True(t, fc.Autorespond)
	assert.Equal(t, `Thanks!\nI will reply soon.`, fc.AutorespondText)
	assert.Equal(t, "bot@example.com", fc.AutorespondFrom)
	assert.False(t, fc.RateLimitActive)
	assert.Equal(t, 2, fc.RateLimit)
	assert.Equal(t, "bounce@.*", fc.ReplyBlacklist)

	assert.Equal(t, "imap.example.com:143", cfg.IMAPOptions().Addr())
	so := cfg.SMTPOptions()
	assert.True(t, so.StartTLS)
	assert.Equal(t, "relay.example.com", so.Helo)
	assert.Equal(t, "smtp.example.com:587", so.Addr())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[relay]
to = "relay@example.org"
interval = 45
autorespond = true
autorespond_text = "Away"

[imap]
hostname = "imap.example.com"
username = "me@example.com"
password = "keyring:imap"

[smtp]
hostname = "smtp.example.com"
username = "me@example.com"
password = "keyring:smtp"
ssl = true
`)
	cfg, err := Load(path, mapStore{"imap": "imap-secret", "smtp": "smtp-secret"})
	require.NoError(t, err)

	fc := cfg.ForwarderConfig()
	assert.Equal(t, 45*time.Second, fc.Interval)
	assert.True(t, fc.Autorespond)
	assert.Equal(t, "me@example.com", fc.AutorespondFrom)
	assert.Equal(t, "imap-secret", cfg.IMAPOptions().Password)
	assert.Equal(t, "smtp-secret", cfg.SMTPOptions().Password)
	assert.Equal(t, "smtp.example.com:465", cfg.SMTPOptions().Addr())
}

func TestLoadTOMLUnknownKeyWarns(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[relay]
to = "relay@example.org"
colour = "blue"

[imap]
hostname = "imap.example.com"

[smtp]
hostname = "smtp.example.com"
`)
	cfg, err := Load(path, mapStore{})
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "relay.colour")
}

func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", DefaultInterval, false},
		{"60", time.Minute, true},
		{"1m30s", 90 * time.Second, true},
		{"0", DefaultInterval, false},
		{"-5", DefaultInterval, false},
		{"soon", DefaultInterval, false},
	}
	for _, tt := range tests {
		d, ok := Interval{raw: tt.raw}.Duration()
		assert.Equal(t, tt.want, d, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestLoadInvalidIntervalWarns(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
relay:
  to: relay@example.org
  interval: -1
imap:
  hostname: imap.example.com
smtp:
  hostname: smtp.example.com
`)
	cfg, err := Load(path, mapStore{})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, cfg.ForwarderConfig().Interval)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "interval")
}

func TestLoadWarnsOnReadablePermissions(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	require.NoError(t, os.Chmod(path, 0o644))

	cfg, err := Load(path, mapStore{})
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "readable")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing to",
			content: `
imap: {hostname: imap.example.com}
smtp: {hostname: smtp.example.com}
`,
			want: "relay.to",
		},
		{
			name: "missing imap host",
			content: `
relay: {to: relay@example.org}
smtp: {hostname: smtp.example.com}
`,
			want: "imap.hostname",
		},
		{
			name: "missing smtp host",
			content: `
relay: {to: relay@example.org}
imap: {hostname: imap.example.com}
`,
			want: "smtp.hostname",
		},
		{
			name: "autorespond without sender",
			content: `
relay: {to: relay@example.org, autorespond: true}
imap: {hostname: imap.example.com}
smtp: {hostname: smtp.example.com}
`,
			want: "autorespond_from",
		},
		{
			name: "negative rate limit",
			content: `
relay: {to: relay@example.org, rate_limit: -1}
imap: {hostname: imap.example.com}
smtp: {hostname: smtp.example.com}
`,
			want: "rate_limit",
		},
		{
			name: "bad log level",
			content: `
relay: {to: relay@example.org}
imap: {hostname: imap.example.com}
smtp: {hostname: smtp.example.com}
log: {level: loud}
`,
			want: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content), mapStore{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validate config")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsSSLWithStartTLS(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
relay: {to: relay@example.org}
imap: {hostname: imap.example.com}
smtp: {hostname: smtp.example.com, ssl: true, starttls: true}
`)
	_, err := Load(path, mapStore{})
	require.Error(t, err)

	var cfgErr *mailerr.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadUnresolvedKeyringRef(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
relay: {to: relay@example.org}
imap: {hostname: imap.example.com, password: "keyring:missing"}
smtp: {hostname: smtp.example.com}
`)
	_, err := Load(path, mapStore{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imap.password")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), mapStore{})
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", "relay: [unterminated"), mapStore{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
