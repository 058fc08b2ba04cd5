package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tracyhatemice/imaprelay/internal/mailerr"
)

// DefaultPort is the implicit-TLS IMAP port.
const DefaultPort = 993

// Options describes how to reach and log in to the IMAP server.
type Options struct {
	Host     string // host or host:port
	Username string
	Password string

	// TLSConfig overrides the default TLS settings (server name from Host).
	TLSConfig *tls.Config
}

// Addr returns Host with the default port applied.
func (o Options) Addr() string {
	if _, _, err := net.SplitHostPort(o.Host); err == nil {
		return o.Host
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(DefaultPort))
}

// Session is an authenticated IMAP session. Every command's tagged status is
// checked; anything but OK is returned as *mailerr.ProtocolError.
type Session struct {
	client   *imapclient.Client
	addr     string
	selected bool
	closed   bool
	logger   *slog.Logger
}

// Dial opens a TLS connection to the server and logs in. Failures are
// returned as *mailerr.ConnectionError.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	addr := opts.Addr()

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		host, _, _ := net.SplitHostPort(addr)
		tlsConfig = &tls.Config{ServerName: host}
	}

	logger.Info("connecting to IMAP server", "addr", addr)
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &mailerr.ConnectionError{Protocol: "imap", Addr: addr, Err: err}
	}
	client := imapclient.New(conn, nil)

	logger.Info("logging in to IMAP", "username", opts.Username)
	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		client.Close()
		return nil, &mailerr.ConnectionError{
			Protocol: "imap",
			Addr:     addr,
			Err:      fmt.Errorf("login %s: %w", opts.Username, err),
		}
	}

	return &Session{client: client, addr: addr, logger: logger}, nil
}

// ListFolders returns every folder on the server.
func (s *Session) ListFolders(ctx context.Context) ([]Folder, error) {
	data, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, protocolError("LIST", err)
	}

	folders := make([]Folder, 0, len(data))
	for _, d := range data {
		flags, delim, name, err := ParseListLine(FormatListLine(folderFromListData(d)))
		if err != nil {
			return nil, err
		}
		folders = append(folders, Folder{Flags: flags, Delimiter: delim, Name: name})
	}
	return folders, nil
}

// Select opens the named folder and returns its message count.
func (s *Session) Select(ctx context.Context, name string) (uint32, error) {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		return 0, protocolError("SELECT", err)
	}
	s.selected = true
	return data.NumMessages, nil
}

// SearchAll returns the sequence numbers of every message in the selected
// folder, in server order.
func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	data, err := s.client.Search(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, protocolError("SEARCH", err)
	}
	return data.AllSeqNums(), nil
}

// FetchBatch fetches the full content of the given messages, in the order
// requested. Like RFC822, BODY[] sets \Seen on the fetched messages. A
// requested message that comes back missing or without a body is a
// *mailerr.ProtocolError.
func (s *Session) FetchBatch(ctx context.Context, ids []uint32) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{}
	buffers, err := s.client.Fetch(imap.SeqSetNum(ids...), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, protocolError("FETCH", err)
	}

	bodies := make(map[uint32][]byte, len(buffers))
	for _, buf := range buffers {
		bodies[buf.SeqNum] = buf.FindBodySection(section)
	}

	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		content := bodies[id]
		if len(content) == 0 {
			return nil, &mailerr.ProtocolError{
				Command: "FETCH",
				Err:     fmt.Errorf("no body returned for message %d by %s", id, s.addr),
			}
		}
		msgs = append(msgs, Message{SeqNum: id, Raw: content})
	}
	return msgs, nil
}

// Close leaves the selected folder, logs out and closes the connection.
// Errors are ignored: the session may already be broken. Closing twice is a
// no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("closing IMAP connection", "addr", s.addr)
	if s.selected {
		_ = s.client.Unselect().Wait()
		s.selected = false
	}
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
	return nil
}

func folderFromListData(d *imap.ListData) Folder {
	attrs := make([]string, 0, len(d.Attrs))
	for _, a := range d.Attrs {
		attrs = append(attrs, string(a))
	}
	var delim string
	if d.Delim != 0 {
		delim = string(d.Delim)
	}
	return Folder{
		Flags:     strings.Join(attrs, " "),
		Delimiter: delim,
		Name:      d.Mailbox,
	}
}

func protocolError(command string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &mailerr.ProtocolError{
			Command: command,
			Status:  string(imapErr.Type),
			Code:    string(imapErr.Code),
			Text:    imapErr.Text,
			Err:     err,
		}
	}
	return &mailerr.ProtocolError{Command: command, Err: err}
}
