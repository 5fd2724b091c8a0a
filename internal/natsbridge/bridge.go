// Package natsbridge delivers workflow signals published on NATS.
//
// A signal for instance <id> named <signal> is published on
//
//	caseflow.signal.<id>.<signal>
//
// with the JSON payload as message data. Requests (messages with a reply
// subject) are answered with {"ok":true} or {"ok":false,"error":"..."}.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix signals are published under.
const DefaultPrefix = "caseflow.signal"

// DefaultQueueGroup load-balances signals across bridge replicas.
const DefaultQueueGroup = "caseflow-signals"

// Signaler records a signal for an instance. *engine.Engine implements it.
type Signaler interface {
	Signal(ctx context.Context, id string, name string, payload any) error
}

// Reply is the acknowledgement sent to requesters.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Bridge subscribes to signal subjects and forwards them to a Signaler.
type Bridge struct {
	nc       *nats.Conn
	signaler Signaler
	logger   *slog.Logger

	prefix  string
	group   string
	timeout time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(b *Bridge) { b.prefix = strings.TrimSuffix(prefix, ".") }
}

// WithQueueGroup replaces DefaultQueueGroup.
func WithQueueGroup(group string) Option {
	return func(b *Bridge) { b.group = group }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithSignalTimeout bounds how long recording one signal may take.
func WithSignalTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// New creates a bridge on an established connection.
func New(nc *nats.Conn, s Signaler, opts ...Option) *Bridge {
	b := &Bridge{
		nc:       nc,
		signaler: s,
		logger:   slog.Default(),
		prefix:   DefaultPrefix,
		group:    DefaultQueueGroup,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "natsbridge"))
	return b
}

// Subject returns the subject a signal for id is published on.
func Subject(prefix, id, signal string) string {
	return prefix + "." + id + "." + signal
}

// parseSubject splits a subject below prefix into instance ID and signal
// name. The signal is the last token; everything between prefix and it is
// the instance ID, so IDs may contain dots.
func parseSubject(prefix, subject string) (id, signal string, err error) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", "", fmt.Errorf("subject %q is not below %q", subject, prefix)
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("subject %q must be %s.<instance>.<signal>", subject, prefix)
	}
	return rest[:i], rest[i+1:], nil
}

// Start subscribes. Messages are handled until Stop is called or ctx is
// done.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("natsbridge: already started")
	}
	sub, err := b.nc.QueueSubscribe(b.prefix+".>", b.group, func(msg *nats.Msg) {
		b.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	b.logger.InfoContext(ctx, "listening for signals", slog.String("subject", b.prefix+".>"), slog.String("queue_group", b.group))
	return nil
}

// Stop drains the subscription so in-flight signals finish.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Drain()
	b.sub = nil
	return err
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	id, signal, err := parseSubject(b.prefix, msg.Subject)
	if err == nil {
		err = b.deliver(ctx, id, signal, msg.Data)
	}
	if err != nil {
		b.logger.WarnContext(ctx, "signal rejected",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
	}
	if msg.Reply == "" {
		return
	}
	reply := Reply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if rerr := msg.Respond(data); rerr != nil {
		b.logger.WarnContext(ctx, "respond failed", slog.String("subject", msg.Subject), slog.String("error", rerr.Error()))
	}
}

func (b *Bridge) deliver(ctx context.Context, id, signal string, data []byte) error {
	payload := json.RawMessage("null")
	if len(data) > 0 {
		if !json.Valid(data) {
			return errors.New("payload is not valid JSON")
		}
		payload = data
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.signaler.Signal(ctx, id, signal, payload); err != nil {
		return err
	}
	b.logger.DebugContext(ctx, "signal delivered", slog.String("instance_id", id), slog.String("signal", signal))
	return nil
}

// Send publishes a signal as a request and waits for the bridge's
// acknowledgement.
func Send(ctx context.Context, nc *nats.Conn, prefix, id, signal string, payload any) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	data, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	msg, err := nc.RequestWithContext(ctx, Subject(prefix, id, signal), data)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", signal, id, err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode acknowledgement: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("signal %s rejected: %s", signal, reply.Error)
	}
	return nil
}
