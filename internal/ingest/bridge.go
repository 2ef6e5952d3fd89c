// Package ingest forwards frames published by the persistence layer over NATS
// to connected clients.
//
// Subjects:
//
//	<prefix>.room.<roomId>     -> BroadcastToRoom
//	<prefix>.identity.<did>    -> SendToIdentity
//
// Payloads are forwarded as-is once they pass a shape check.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownSubject = errors.New("subject is not routable")
	ErrInvalidPayload = errors.New("payload must be a JSON object with a string type")
)

// Fanout is the outward delivery surface of the relay.
type Fanout interface {
	BroadcastToRoom(room string, frame []byte) int
	SendToIdentity(identity string, frame []byte) int
}

type Bridge struct {
	logger *slog.Logger
	nc     *nats.Conn
	prefix string
	out    Fanout
	subs   []*nats.Subscription
}

// Connect dials url and returns a bridge that owns the connection.
func Connect(logger *slog.Logger, url, prefix string, out Fanout) (*Bridge, error) {
	logger = logger.With(slog.String("component", "ingest"))
	nc, err := nats.Connect(url,
		nats.Name("go-relay-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", slog.String("url", nc.ConnectedUrl()))
	return New(logger, nc, prefix, out), nil
}

func New(logger *slog.Logger, nc *nats.Conn, prefix string, out Fanout) *Bridge {
	if prefix == "" {
		prefix = "relay"
	}
	return &Bridge{logger: logger, nc: nc, prefix: prefix, out: out}
}

// Start subscribes to the room and identity subjects.
func (b *Bridge) Start() error {
	for _, subject := range []string{b.prefix + ".room.*", b.prefix + ".identity.*"} {
		sub, err := b.nc.Subscribe(subject, b.onMsg)
		if err != nil {
			b.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		b.logger.Info("Ingest subscribed", slog.String("subject", subject))
	}
	return nil
}

func (b *Bridge) onMsg(msg *nats.Msg) {
	n, err := b.Route(msg.Subject, msg.Data)
	if err != nil {
		b.logger.Warn("Dropping ingest message", slog.String("subject", msg.Subject), slog.Any("error", err))
		return
	}
	b.logger.Debug("Ingest message delivered", slog.String("subject", msg.Subject), slog.Int("sockets", n))
}

// Route delivers data according to subject and returns how many sockets
// received it.
func (b *Bridge) Route(subject string, data []byte) (int, error) {
	rest, ok := strings.CutPrefix(subject, b.prefix+".")
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	kind, target, ok := strings.Cut(rest, ".")
	if !ok || target == "" || strings.Contains(target, ".") {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	if !validPayload(data) {
		return 0, ErrInvalidPayload
	}

	switch kind {
	case "room":
		return b.out.BroadcastToRoom(target, data), nil
	case "identity":
		return b.out.SendToIdentity(target, data), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
}

func validPayload(data []byte) bool {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return false
	}
	typ := gjson.GetBytes(data, "type")
	return typ.Type == gjson.String && typ.Str != ""
}

func (b *Bridge) unsubscribe() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("Unsubscribe failed", slog.String("subject", sub.Subject), slog.Any("error", err))
		}
	}
	b.subs = nil
}

// Close drops the subscriptions and drains the connection.
func (b *Bridge) Close() error {
	b.unsubscribe()
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
