package forwarder

import (
	"context"
	"log/slog"

	"github.com/tracyhatemice/imaprelay/internal/receiver"
	"github.com/tracyhatemice/imaprelay/internal/sender"
)

// Connector opens real IMAP and SMTP sessions.
type Connector struct {
	IMAP   receiver.Options
	SMTP   sender.Options
	Logger *slog.Logger
}

func (c *Connector) DialRetriever(ctx context.Context) (Retriever, error) {
	s, err := receiver.Dial(ctx, c.IMAP, c.Logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Connector) DialTransmitter(ctx context.Context) (Transmitter, error) {
	s, err := sender.Dial(ctx, c.SMTP, c.Logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}
