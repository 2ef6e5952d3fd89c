package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/a-essam23/go-relay/pkg/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/a-essam23/go-relay/internal/router"

type Config struct {
	QueueSize int
	// RateLimit is frames per second per connection; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// queue is the single logical queue of one connection. Exactly one worker
// drains it, so frames from a connection are handled strictly in order.
type queue struct {
	socket  transport.Socket
	frames  chan []byte
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger
}

type EventRouter struct {
	logger *slog.Logger
	handle pipeline.HandlerFunc
	config Config
	tracer trace.Tracer

	mu     sync.Mutex
	queues map[uuid.UUID]*queue
}

func NewEventRouter(logger *slog.Logger, handle pipeline.HandlerFunc, config Config) *EventRouter {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	return &EventRouter{
		logger: logger.With(slog.String("component", "event_router")),
		handle: handle,
		config: config,
		tracer: otel.Tracer(tracerName),
		queues: make(map[uuid.UUID]*queue),
	}
}

// Attach starts the dispatch worker of an authenticated socket. The worker
// stops when ctx is cancelled or Detach is called.
func (r *EventRouter) Attach(ctx context.Context, socket transport.Socket, logger *slog.Logger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := socket.ID()
	if _, exists := r.queues[id]; exists {
		return fmt.Errorf("connection %s already attached", id)
	}
	qctx, cancel := context.WithCancel(ctx)
	q := &queue{
		socket: socket,
		frames: make(chan []byte, r.config.QueueSize),
		ctx:    qctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
	if r.config.RateLimit > 0 {
		burst := r.config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(r.config.RateLimit), burst)
	}
	r.queues[id] = q
	go r.work(q)
	return nil
}

// Detach stops the worker of socket and waits for the frame in progress,
// if any, to finish. Queued frames are discarded.
func (r *EventRouter) Detach(socket transport.Socket) {
	r.mu.Lock()
	q, ok := r.queues[socket.ID()]
	delete(r.queues, socket.ID())
	r.mu.Unlock()
	if !ok {
		return
	}
	q.cancel()
	<-q.done
}

// HandleMessage enqueues a raw frame for the socket's worker. It blocks while
// the queue is full, which backpressures the reader of that connection.
// Frames over the rate limit are dropped with rate_limited.
func (r *EventRouter) HandleMessage(socket transport.Socket, raw []byte) {
	r.mu.Lock()
	q, ok := r.queues[socket.ID()]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("Frame for unattached connection", slog.String("connID", socket.ID().String()))
		return
	}

	if q.limiter != nil && !q.limiter.Allow() {
		ref := protocol.PeekType(raw)
		q.logger.Warn("Rate limit exceeded, dropping frame", slog.String("type", ref))
		r.reply(q, protocol.Errorf(protocol.CodeRateLimited, "too many frames").WithRef(ref))
		return
	}

	select {
	case q.frames <- raw:
	case <-q.ctx.Done():
	}
}

func (r *EventRouter) work(q *queue) {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case raw := <-q.frames:
			r.dispatch(q, raw)
		}
	}
}

func (r *EventRouter) dispatch(q *queue, raw []byte) {
	frameType := protocol.PeekType(raw)
	ctx, span := r.tracer.Start(q.ctx, "relay.dispatch", trace.WithAttributes(
		attribute.String("frame.type", frameType),
		attribute.String("conn.id", q.socket.ID().String()),
		attribute.String("did", q.socket.Identity()),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("Handler panicked", slog.String("type", frameType), slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			span.SetStatus(codes.Error, "panic")
			r.reply(q, protocol.Errorf(protocol.CodeInternal, "internal error").WithRef(frameType))
		}
	}()

	frame, err := protocol.Decode(raw)
	if err == nil {
		err = r.handle(&pipeline.Cargo{
			Ctx:      ctx,
			Logger:   q.logger,
			Conn:     q.socket,
			Identity: q.socket.Identity(),
			Frame:    frame,
		})
	}
	if err == nil {
		return
	}

	var perr *protocol.Error
	if !errors.As(err, &perr) {
		q.logger.Error("Handler failed", slog.String("type", frameType), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		perr = protocol.Errorf(protocol.CodeInternal, "internal error")
	} else {
		q.logger.Debug("Frame rejected", slog.String("type", frameType), slog.String("code", string(perr.Code)), slog.String("message", perr.Message))
		span.SetAttributes(attribute.String("error.code", string(perr.Code)))
	}
	if perr.Ref == "" {
		perr = perr.WithRef(frameType)
	}
	r.reply(q, perr)
}

func (r *EventRouter) reply(q *queue, perr *protocol.Error) {
	raw, err := protocol.Encode(perr)
	if err != nil {
		return
	}
	if err := q.socket.Send(raw); err != nil {
		q.logger.Debug("Error reply not delivered", slog.Any("error", err))
	}
}

// Attached reports how many connections currently have a worker.
func (r *EventRouter) Attached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
