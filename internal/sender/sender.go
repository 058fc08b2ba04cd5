package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tracyhatemice/imaprelay/internal/mailerr"
)

// ErrSSLAndStartTLS is returned when both transport security modes are
// requested. SSL already encrypts the connection.
var ErrSSLAndStartTLS = errors.New("cannot use SSL and STARTTLS together")

// Options describes how to reach and authenticate to the SMTP server.
type Options struct {
	Host     string // host or host:port
	Username string
	Password string
	SSL      bool
	StartTLS bool
	Helo     string // EHLO name, "localhost" when empty

	// TLSConfig overrides the default TLS settings (server name from Host).
	TLSConfig *tls.Config
}

// Addr returns Host with the default port for the security mode applied.
func (o Options) Addr() string {
	if _, _, err := net.SplitHostPort(o.Host); err == nil {
		return o.Host
	}
	port := 25
	switch {
	case o.SSL:
		port = 465
	case o.StartTLS:
		port = 587
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// Validate rejects contradictory settings.
func (o Options) Validate() error {
	if o.SSL && o.StartTLS {
		return &mailerr.ConfigError{Field: "smtp", Err: ErrSSLAndStartTLS}
	}
	return nil
}

// Session is an open SMTP session that can carry several transactions.
type Session struct {
	client *smtp.Client
	addr   string
	logger *slog.Logger
}

// Dial connects to the server, greets it, upgrades with STARTTLS when asked
// and authenticates when both username and password are set. Contradictory
// options fail with *mailerr.ConfigError before any network I/O; everything
// else fails with *mailerr.ConnectionError.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	addr := opts.Addr()
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		host, _, _ := net.SplitHostPort(addr)
		tlsConfig = &tls.Config{ServerName: host}
	}
	connErr := func(err error) error {
		return &mailerr.ConnectionError{Protocol: "smtp", Addr: addr, Err: err}
	}

	logger.Info("connecting to SMTP server", "addr", addr, "ssl", opts.SSL, "starttls", opts.StartTLS)

	var conn net.Conn
	var err error
	if opts.SSL {
		dialer := &tls.Dialer{Config: tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, connErr(err)
	}
	client := smtp.NewClient(conn)

	helo := opts.Helo
	if helo == "" {
		helo = "localhost"
	}
	if err := client.Hello(helo); err != nil {
		client.Close()
		return nil, connErr(fmt.Errorf("EHLO: %w", err))
	}

	if opts.StartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, connErr(fmt.Errorf("STARTTLS: %w", err))
		}
	}

	if opts.Username != "" && opts.Password != "" {
		logger.Info("logging in to SMTP", "username", opts.Username)
		if err := client.Auth(sasl.NewPlainClient("", opts.Username, opts.Password)); err != nil {
			client.Close()
			return nil, connErr(fmt.Errorf("auth %s: %w", opts.Username, err))
		}
	}

	return &Session{client: client, addr: addr, logger: logger}, nil
}

// Send runs one mail transaction. The message is written unchanged. After a
// failed transaction the session is reset so the next Send can proceed.
func (s *Session) Send(ctx context.Context, from, to string, message []byte) error {
	if err := s.client.SendMail(from, []string{to}, bytes.NewReader(message)); err != nil {
		if rerr := s.client.Reset(); rerr != nil {
			s.logger.Debug("smtp RSET failed", "addr", s.addr, "error", rerr)
		}
		return fmt.Errorf("smtp send via %s from <%s> to <%s>: %w", s.addr, from, to, err)
	}
	return nil
}

// Close sends QUIT and closes the connection. Errors from an already
// disconnected server are ignored.
func (s *Session) Close() error {
	if err := s.client.Quit(); err != nil {
		s.logger.Debug("smtp QUIT failed", "addr", s.addr, "error", err)
		_ = s.client.Close()
	}
	return nil
}
