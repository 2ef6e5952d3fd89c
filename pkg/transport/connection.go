package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, conn *Connection, msg []byte)

// callback executed exactly once after the connection is closed.
type OnCloseHandler func(conn *Connection, code websocket.StatusCode, err error)

type ConnectionConfig struct {
	MaxFrameBytes int64
	SendBuffer    int
	WriteTimeout  time.Duration
	// CloseTimeout bounds the close handshake; a peer that does not answer
	// in time has its connection dropped.
	CloseTimeout time.Duration
}

type HeartbeatConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id         uuid.UUID
	conn       *websocket.Conn
	remoteAddr string
	config     ConnectionConfig
	send       chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	state        atomic.Int32
	identity     atomic.Pointer[string]
	acceptedAt   time.Time
	authDeadline atomic.Int64
	lastActivity atomic.Int64

	done      chan struct{}
	wg        *sync.WaitGroup
	closeOnce sync.Once
	closeCode websocket.StatusCode

	// ctx ends when closing begins. ioCtx is what the websocket reads and
	// writes run under; cancelling it drops the underlying connection, so it
	// only ends once the close handshake finished or timed out.
	ctx        context.Context
	cancel     context.CancelFunc
	ioCtx      context.Context
	ioCancel   context.CancelFunc
	parent     context.Context
	stopParent atomic.Pointer[func() bool]

	logger *slog.Logger
}

var _ Socket = (*Connection)(nil)

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, remoteAddr string, logger *slog.Logger) *Connection {
	id := uuid.New()
	base := context.WithoutCancel(parentCtx)
	connCtx, cancel := context.WithCancel(base)
	ioCtx, ioCancel := context.WithCancel(base)
	connLogger := logger.With(slog.String("connID", id.String()), slog.String("remoteAddr", remoteAddr))

	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 2 * time.Second
	}
	if conn != nil && config.MaxFrameBytes > 0 {
		conn.SetReadLimit(config.MaxFrameBytes)
	}

	c := &Connection{
		id:         id,
		conn:       conn,
		remoteAddr: remoteAddr,
		logger:     connLogger,
		config:     config,
		send:       make(chan []byte, config.SendBuffer),
		done:       make(chan struct{}),
		ctx:        connCtx,
		cancel:     cancel,
		ioCtx:      ioCtx,
		ioCancel:   ioCancel,
		parent:     parentCtx,
		wg:         wg,
		acceptedAt: time.Now(),
	}
	c.touch()
	if wg != nil {
		wg.Add(1)
	}
	return c
}

// Run starts the read and write pumps. onMessage is called from the read
// pump, so a slow handler applies backpressure to the peer. Cancelling the
// parent context closes the connection with StatusGoingAway.
func (c *Connection) Run(onMessage MessageHandler, onClose OnCloseHandler) {
	c.onMessage = onMessage
	c.onClose = onClose
	stop := context.AfterFunc(c.parent, func() {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	})
	c.stopParent.Store(&stop)
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.closeWithError(websocket.StatusNormalClosure, "", readErr)
	}()

	for {
		typ, message, err := c.conn.Read(c.ioCtx)
		if err != nil {
			readErr = err
			return
		}
		c.touch()
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if c.onMessage != nil && c.IsOpen() {
			c.onMessage(c.ctx, c, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		if writeErr != nil {
			c.closeWithError(websocket.StatusInternalError, "write failed", writeErr)
		}
	}()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ioCtx, c.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					writeErr = err
				}
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// StartHeartbeat pings the peer until the connection closes. MaxMissed
// consecutive failed pings close the connection with StatusHeartbeatTimeout.
func (c *Connection) StartHeartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 || c.conn == nil {
		return
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 1
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		missed := 0
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
			}
			if c.State() != StateAuthenticated {
				return
			}

			pingCtx, cancel := context.WithTimeout(c.ioCtx, cfg.Timeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				missed = 0
				c.touch()
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			missed++
			c.logger.Warn("heartbeat missed", slog.Int("missed", missed), slog.Any("error", err))
			if missed >= cfg.MaxMissed {
				c.Close(StatusHeartbeatTimeout, "heartbeat timeout")
				return
			}
		}
	}()
}

// Send queues a message for the write pump. It is safe for concurrent use and
// blocks for at most the configured write timeout when the buffer is full.
func (c *Connection) Send(message []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
	}

	timer := time.NewTimer(c.config.WriteTimeout)
	defer timer.Stop()
	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-timer.C:
		c.logger.Warn("send buffer full, dropping message")
		return ErrSendTimeout
	}
}

// Close moves the connection to Closing and runs the close callback before
// returning. The close handshake continues in the background; Done is closed
// once it finished or CloseTimeout passed.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeWithError(code, reason, nil)
}

func (c *Connection) closeWithError(code websocket.StatusCode, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeCode = code

		attrs := []any{slog.Int("code", int(code)), slog.String("reason", reason)}
		if cause != nil {
			attrs = append(attrs, slog.Any("cause", cause))
			if peer := websocket.CloseStatus(cause); peer != -1 {
				c.closeCode = peer
				attrs = append(attrs, slog.Int("peerCode", int(peer)))
			}
		}
		c.logger.Info("Transport connection closing", attrs...)

		if stop := c.stopParent.Load(); stop != nil {
			(*stop)()
		}
		c.cancel()
		if c.onClose != nil {
			c.onClose(c, c.closeCode, cause)
		}
		go c.finishClose(code, reason)
	})
}

func (c *Connection) finishClose(code websocket.StatusCode, reason string) {
	if c.conn != nil {
		force := time.AfterFunc(c.config.CloseTimeout, c.ioCancel)
		if err := c.conn.Close(code, reason); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("close handshake incomplete", slog.Any("error", err))
		}
		force.Stop()
	}
	c.ioCancel()
	c.state.Store(int32(StateClosed))

	if c.wg != nil {
		c.wg.Done()
	}
	close(c.done)
	c.logger.Info("Connection closed")
}

// BeginAuthentication moves Connecting -> Authenticating and records the deadline.
func (c *Connection) BeginAuthentication(deadline time.Time) bool {
	c.authDeadline.Store(deadline.UnixNano())
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating))
}

// Authenticate binds the identity and moves Authenticating -> Authenticated.
// It fails if the connection already left Authenticating (timeout, close) or
// an identity was bound before.
func (c *Connection) Authenticate(identity string) bool {
	if identity == "" || !c.identity.CompareAndSwap(nil, &identity) {
		return false
	}
	return c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateAuthenticated))
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) Identity() string {
	if p := c.identity.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsOpen reports whether frames may still be written to the connection.
func (c *Connection) IsOpen() bool {
	return c.State() < StateClosing
}

func (c *Connection) RemoteAddr() string { return c.remoteAddr }

func (c *Connection) AcceptedAt() time.Time { return c.acceptedAt }

func (c *Connection) AuthDeadline() time.Time {
	return time.Unix(0, c.authDeadline.Load())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// CloseCode is the code the connection was closed with, valid once Done is closed.
func (c *Connection) CloseCode() websocket.StatusCode {
	<-c.done
	return c.closeCode
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) Logger() *slog.Logger {
	return c.logger
}
