package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tracyhatemice/imaprelay/internal/blacklist"
	"github.com/tracyhatemice/imaprelay/internal/dedup"
	"github.com/tracyhatemice/imaprelay/internal/mailerr"
	"github.com/tracyhatemice/imaprelay/internal/metrics"
	"github.com/tracyhatemice/imaprelay/internal/ratelimit"
	"github.com/tracyhatemice/imaprelay/internal/receiver"
)

// BatchSize is the number of messages fetched and relayed together.
const BatchSize = 10

// BackoffFactor multiplies the poll interval after a failed cycle.
const BackoffFactor = 10

// Config is the relay configuration. It is not modified after New.
type Config struct {
	To      string // forwarding address
	Inbox   string
	Archive string

	Interval time.Duration

	Autorespond     bool
	AutorespondText string // literal \n sequences become line breaks
	AutorespondHTML bool   // AutorespondText is HTML
	AutorespondFrom string

	RateLimitActive bool
	RateLimit       int // autoresponses per minute

	ReplyBlacklist string // ;-separated patterns
}

// Retriever is an open mail retrieval session.
type Retriever interface {
	ListFolders(ctx context.Context) ([]receiver.Folder, error)
	Select(ctx context.Context, name string) (uint32, error)
	SearchAll(ctx context.Context) ([]uint32, error)
	FetchBatch(ctx context.Context, ids []uint32) ([]receiver.Message, error)
	Close() error
}

// Transmitter is an open mail sending session.
type Transmitter interface {
	Send(ctx context.Context, from, to string, message []byte) error
	Close() error
}

// Dialer opens the two sessions a cycle needs.
type Dialer interface {
	DialRetriever(ctx context.Context) (Retriever, error)
	DialTransmitter(ctx context.Context) (Transmitter, error)
}

// Forwarder relays the inbox of one account to a fixed address.
type Forwarder struct {
	cfg       Config
	dialer    Dialer
	limiter   *ratelimit.Limiter
	blacklist *blacklist.Matcher
	logger    *slog.Logger

	state State
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Forwarder. The rate window starts now.
func New(cfg Config, dialer Dialer, logger *slog.Logger) (*Forwarder, error) {
	bl, err := blacklist.New(cfg.ReplyBlacklist, logger)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		cfg:       cfg,
		dialer:    dialer,
		limiter:   ratelimit.New(cfg.RateLimit),
		blacklist: bl,
		logger:    logger,
		sleep:     sleepContext,
	}, nil
}

// State returns the phase of the current or last cycle.
func (f *Forwarder) State() State {
	return f.state
}

// Run relays on the configured interval until ctx is cancelled. A failed
// cycle is followed by a BackoffFactor times longer pause. Cancellation
// interrupts the pause but never a running cycle.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("starting forwarder",
		"inbox", f.cfg.Inbox,
		"to", f.cfg.To,
		"interval", f.cfg.Interval,
		"autorespond", f.cfg.Autorespond,
		"reply_blacklist", f.blacklist.Rules(),
	)

	for ctx.Err() == nil {
		wait := f.cfg.Interval
		if !f.Cycle(context.WithoutCancel(ctx)) {
			wait *= BackoffFactor
		}

		f.logger.Info("sleeping", "duration", wait)
		if err := f.sleep(ctx, wait); err != nil {
			break
		}
	}
	f.logger.Warn("caught interrupt, quitting")
}

// Cycle runs one relay cycle and reports whether it succeeded.
func (f *Forwarder) Cycle(ctx context.Context) bool {
	start := time.Now()
	err := f.RunCycle(ctx)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.CyclesTotal.WithLabelValues("failure").Inc()
		var connErr *mailerr.ConnectionError
		var cfgErr *mailerr.ConfigError
		if errors.As(err, &connErr) || errors.As(err, &cfgErr) {
			f.logger.Warn("aborting relay attempt", "error", err)
		} else {
			f.logger.Error("relay cycle failed", "error", err)
		}
		return false
	}
	metrics.CyclesTotal.WithLabelValues("success").Inc()
	return true
}

// RunCycle opens both sessions, relays every message in the inbox in batches
// and closes the sessions, whatever the outcome.
func (f *Forwarder) RunCycle(ctx context.Context) (err error) {
	var retr Retriever
	var trans Transmitter

	defer func() {
		f.setState(StateConnectionsClosing)
		f.logger.Info("closing connections")
		if retr != nil {
			_ = retr.Close()
		}
		if trans != nil {
			_ = trans.Close()
		}
		if err != nil {
			f.setState(StateFailed)
		} else {
			f.setState(StateIdle)
		}
	}()

	f.setState(StateConnectionsOpening)
	if retr, err = f.dialer.DialRetriever(ctx); err != nil {
		return err
	}
	if trans, err = f.dialer.DialTransmitter(ctx); err != nil {
		return err
	}

	f.setState(StateFoldersValidating)
	if err := f.validateFolders(ctx, retr); err != nil {
		return err
	}

	count, err := retr.Select(ctx, f.cfg.Inbox)
	if err != nil {
		return err
	}
	f.logger.Info("relaying messages", "count", count, "inbox", f.cfg.Inbox)

	processed := dedup.NewSet()
	relayed := 0
	for batch := 1; ; batch++ {
		ids, err := retr.SearchAll(ctx)
		if err != nil {
			return err
		}
		ids = processed.Unseen(ids)
		if len(ids) == 0 {
			break
		}
		if len(ids) > BatchSize {
			ids = ids[:BatchSize]
		}

		f.setState(StateBatchProcessing)
		f.logger.Debug("processing batch", "batch", batch, "ids", ids)
		n, err := f.processBatch(ctx, retr, trans, ids)
		relayed += n
		if err != nil {
			return err
		}
		processed.Mark(ids...)
	}

	f.logger.Info("relay cycle complete", "relayed", relayed, "processed", processed.Count())
	return nil
}

func (f *Forwarder) validateFolders(ctx context.Context, retr Retriever) error {
	folders, err := retr.ListFolders(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(folders))
	for _, folder := range folders {
		names = append(names, folder.Name)
	}

	if !slices.Contains(names, f.cfg.Inbox) {
		return &mailerr.RelayError{Folder: f.cfg.Inbox, Reason: "where should I relay messages from?"}
	}
	if !slices.Contains(names, f.cfg.Archive) {
		return &mailerr.RelayError{Folder: f.cfg.Archive, Reason: "where should I archive messages to?"}
	}
	return nil
}

// processBatch returns the number of messages relayed. Every requested id
// must come back with content, or the batch fails before anything is sent.
func (f *Forwarder) processBatch(ctx context.Context, retr Retriever, trans Transmitter, ids []uint32) (int, error) {
	msgs, err := retr.FetchBatch(ctx, ids)
	if err != nil {
		return 0, err
	}
	if missing := missingIDs(ids, msgs); len(missing) > 0 {
		return 0, &mailerr.ProtocolError{
			Command: "FETCH",
			Err:     fmt.Errorf("messages %v not returned", missing),
		}
	}

	if f.cfg.Autorespond {
		f.autorespond(ctx, trans, msgs)
	}
	n, err := f.relay(ctx, trans, msgs)
	if err != nil {
		return n, err
	}
	f.archiveBatch(ids)
	return n, nil
}

func missingIDs(ids []uint32, msgs []receiver.Message) []uint32 {
	got := make(map[uint32]bool, len(msgs))
	for _, msg := range msgs {
		if len(msg.Raw) > 0 {
			got[msg.SeqNum] = true
		}
	}
	var missing []uint32
	for _, id := range ids {
		if !got[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// relay sends every message unchanged to the forwarding address, with the
// original sender as envelope sender. The first failure aborts the batch.
func (f *Forwarder) relay(ctx context.Context, trans Transmitter, msgs []receiver.Message) (int, error) {
	n := 0
	for _, msg := range msgs {
		var from, subject string
		if h, err := parseHeader(msg.Raw); err != nil {
			f.logger.Warn("unparsable message header, relaying with empty sender", "seq", msg.SeqNum, "error", err)
		} else {
			from = firstAddress(h, "From")
			subject = headerSubject(h)
		}

		if err := trans.Send(ctx, from, f.cfg.To, msg.Raw); err != nil {
			return n, fmt.Errorf("relay message %d: %w", msg.SeqNum, err)
		}
		n++
		metrics.MessagesRelayed.Inc()
		f.logger.Debug("sent message", "seq", msg.SeqNum, "subject", subject, "from", from, "to", f.cfg.To)
	}
	return n, nil
}

// autorespond replies to the sender of each message. Running out of rate
// budget ends autoresponding for the batch; a blacklisted recipient or a
// failed send only skips that message.
func (f *Forwarder) autorespond(ctx context.Context, trans Transmitter, msgs []receiver.Message) {
	for _, msg := range msgs {
		h, err := parseHeader(msg.Raw)
		if err != nil {
			f.logger.Warn("unparsable message header, not autoresponding", "seq", msg.SeqNum, "error", err)
			continue
		}
		to := replyAddress(h)
		if to == "" {
			f.logger.Warn("no reply address, not autoresponding", "seq", msg.SeqNum)
			continue
		}

		reply, err := composeReply(h, f.cfg, to, time.Now())
		if err != nil {
			metrics.Autoresponses.WithLabelValues("failed").Inc()
			f.logger.Error("failed to compose autoreply", "to", to, "error", err)
			continue
		}

		if f.cfg.RateLimitActive && !f.limiter.Allow() {
			metrics.Autoresponses.WithLabelValues("rate_limited").Inc()
			f.logger.Debug("reply blocked, rate this period exceeded", "limit", f.cfg.RateLimit)
			break
		}
		if f.blacklist.IsBlocked(to) {
			metrics.Autoresponses.WithLabelValues("blacklisted").Inc()
			continue
		}

		if err := trans.Send(ctx, f.cfg.AutorespondFrom, to, reply); err != nil {
			metrics.Autoresponses.WithLabelValues("failed").Inc()
			f.logger.Error("failed to autoreply, maybe it is a no-reply address?", "to", to, "error", err)
			continue
		}
		metrics.Autoresponses.WithLabelValues("sent").Inc()
		f.logger.Debug("sent autorespond message", "from", f.cfg.AutorespondFrom, "to", to)
	}
}

// archiveBatch is where relayed messages would be copied to the archive
// folder, flagged \Deleted and expunged. It does nothing: messages stay in
// the inbox and are relayed again by the next cycle.
func (f *Forwarder) archiveBatch(ids []uint32) {}

func (f *Forwarder) setState(s State) {
	f.state = s
	metrics.CycleState.Set(float64(s))
	f.logger.Debug("cycle state", "state", s.String())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
