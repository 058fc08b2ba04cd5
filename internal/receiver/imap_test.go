package receiver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/imaprelay/internal/mailerr"
)

var testMessages = []string{
	"From: alice@example.com\r\nSubject: one\r\n\r\nfirst\r\n",
	"From: bob@example.net\r\nSubject: two\r\n\r\nsecond\r\n",
	"From: carol@example.org\r\nSubject: three\r\n\r\nthird\r\n",
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	cert := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"imaprelay test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, cert, cert, &privKey.PublicKey, privKey)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privKey}
}

// startServer runs an in-memory IMAPS server holding INBOX with
// testMessages, an empty Archive and a folder with quotes in its name.
func startServer(t *testing.T) string {
	t.Helper()

	user := imapmemserver.NewUser("me@example.com", "secret")
	for _, name := range []string{"INBOX", "Archive", `My "Quoted" Box`} {
		require.NoError(t, user.Create(name, nil))
	}
	for _, raw := range testMessages {
		_, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imap.AppendOptions{})
		require.NoError(t, err)
	}

	mem := imapmemserver.New()
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:   imap.CapSet{imap.CapIMAP4rev1: {}},
		Logger: log.New(io.Discard, "", 0),
	})

	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}})
	require.NoError(t, err)

	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	return l.Addr().String()
}

func dialTestServer(t *testing.T, addr string) *Session {
	t.Helper()

	s, err := Dial(context.Background(), Options{
		Host:      addr,
		Username:  "me@example.com",
		Password:  "secret",
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRelayCommands(t *testing.T) {
	ctx := context.Background()
	s := dialTestServer(t, startServer(t))

	folders, err := s.ListFolders(ctx)
	require.NoError(t, err)
	var names []string
	for _, f := range folders {
		names = append(names, f.Name)
		assert.Equal(t, "/", f.Delimiter)
	}
	assert.ElementsMatch(t, []string{"INBOX", "Archive", `My "Quoted" Box`}, names)

	count, err := s.Select(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), count)

	ids, err := s.SearchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, ids)

	msgs, err := s.FetchBatch(ctx, ids)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, ids[i], msg.SeqNum)
		assert.Equal(t, testMessages[i], string(msg.Raw))
	}

	assert.NoError(t, s.Close())
	assert.False(t, s.selected)
	assert.NoError(t, s.Close(), "second close is a no-op")
}

func TestSessionFetchSubset(t *testing.T) {
	ctx := context.Background()
	s := dialTestServer(t, startServer(t))

	_, err := s.Select(ctx, "INBOX")
	require.NoError(t, err)

	msgs, err := s.FetchBatch(ctx, []uint32{3, 1})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(3), msgs[0].SeqNum)
	assert.Equal(t, testMessages[2], string(msgs[0].Raw))
	assert.Equal(t, uint32(1), msgs[1].SeqNum)

	msgs, err = s.FetchBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionFetchMissingMessage(t *testing.T) {
	ctx := context.Background()
	s := dialTestServer(t, startServer(t))

	_, err := s.Select(ctx, "INBOX")
	require.NoError(t, err)

	_, err = s.FetchBatch(ctx, []uint32{1, 7})
	var protoErr *mailerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "FETCH", protoErr.Command)
}

func TestSessionSelectMissingFolder(t *testing.T) {
	s := dialTestServer(t, startServer(t))

	_, err := s.Select(context.Background(), "Nope")
	var protoErr *mailerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "SELECT", protoErr.Command)
	assert.Equal(t, "NO", protoErr.Status)
	assert.Equal(t, "NONEXISTENT", protoErr.Code)
	assert.False(t, s.selected)
}

func TestDialWrongPassword(t *testing.T) {
	addr := startServer(t)

	_, err := Dial(context.Background(), Options{
		Host:      addr,
		Username:  "me@example.com",
		Password:  "wrong",
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var connErr *mailerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "imap", connErr.Protocol)
	assert.Equal(t, addr, connErr.Addr)
}
