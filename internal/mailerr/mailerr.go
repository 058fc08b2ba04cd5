// Package mailerr defines the failures a relay cycle can end with.
//
// Every type wraps its cause, so callers classify with errors.As and still
// reach the underlying network or protocol error through errors.Is.
package mailerr

import "fmt"

// ConfigError reports contradictory or missing settings.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a socket, TLS or authentication failure while
// opening a session.
type ConnectionError struct {
	Protocol string // "imap" or "smtp"
	Addr     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connect %s: %v", e.Protocol, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a mail retrieval command that did not complete with
// OK. Status holds the tagged status ("NO", "BAD"); it is empty when the
// command failed at the transport level.
type ProtocolError struct {
	Command string
	Status  string
	Code    string
	Text    string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("imap %s: %v", e.Command, e.Err)
	}
	msg := fmt.Sprintf("imap %s: status %s was not OK", e.Command, e.Status)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RelayError reports a mailbox layout that makes relaying impossible, such
// as a configured folder missing from the server.
type RelayError struct {
	Folder string
	Reason string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("no %q folder found: %s", e.Folder, e.Reason)
}

// FormatError reports a server response line that could not be decoded.
type FormatError struct {
	Line string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed folder line %q", e.Line)
}
