package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const closeConcurrency = 64

type SupervisorConfig struct {
	AuthTimeout         time.Duration
	MaxConnsPerIdentity int
	LookupTimeout       time.Duration
	Heartbeat           transport.HeartbeatConfig
}

// Supervisor drives every accepted connection from its auth frame to the
// end of its teardown.
type Supervisor struct {
	logger   *slog.Logger
	config   SupervisorConfig
	state    state.Manager
	router   *router.EventRouter
	engine   *engine.Engine
	sessions collab.SessionValidator
	lookups  collab.Lookups

	mu   sync.Mutex
	live map[uuid.UUID]*session

	teardowns sync.WaitGroup
}

// session is the supervisor's private view of one connection.
// mu serializes the auth path against the close path.
type session struct {
	conn  *transport.Connection
	timer *time.Timer

	mu         sync.Mutex
	registered bool
}

func NewSupervisor(logger *slog.Logger, cfg SupervisorConfig, sm state.Manager, r *router.EventRouter, e *engine.Engine, sessions collab.SessionValidator, lookups collab.Lookups) *Supervisor {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	if cfg.MaxConnsPerIdentity <= 0 {
		cfg.MaxConnsPerIdentity = 1
	}
	return &Supervisor{
		logger:   logger.With(slog.String("component", "supervisor")),
		config:   cfg,
		state:    sm,
		router:   r,
		engine:   e,
		sessions: sessions,
		lookups:  lookups,
		live:     make(map[uuid.UUID]*session),
	}
}

// Accept starts the connection and its auth timer. The first frame must be
// a valid auth frame; anything else closes the connection.
func (s *Supervisor) Accept(conn *transport.Connection) {
	sess := &session{conn: conn}
	conn.BeginAuthentication(time.Now().Add(s.config.AuthTimeout))

	s.mu.Lock()
	s.live[conn.ID()] = sess
	s.mu.Unlock()

	// Held until the timer exists so the first frame cannot race it.
	sess.mu.Lock()
	defer sess.mu.Unlock()
	conn.Run(
		func(ctx context.Context, c *transport.Connection, msg []byte) { s.onMessage(ctx, sess, msg) },
		func(c *transport.Connection, code websocket.StatusCode, err error) { s.onClose(sess, code, err) },
	)
	sess.timer = time.AfterFunc(s.config.AuthTimeout, func() {
		if conn.State() == transport.StateAuthenticating {
			conn.Logger().Warn("Authentication timed out")
			conn.Close(transport.StatusAuthTimeout, "authentication timeout")
		}
	})
}

func (s *Supervisor) onMessage(ctx context.Context, sess *session, msg []byte) {
	if sess.conn.State() == transport.StateAuthenticated {
		s.router.HandleMessage(sess.conn, msg)
		return
	}
	code, reason, evict := s.authenticate(ctx, sess, msg)
	if code != 0 {
		sess.conn.Close(code, reason)
		return
	}
	for _, old := range evict {
		sess.conn.Logger().Info("Evicting oldest connection", slog.String("evicted", old.ID().String()))
		old.Close(transport.StatusReplaced, "connection replaced")
	}
}

// authenticate runs the auth chain for the first frame. A non-zero code is
// the close code the caller must close the connection with, and evict lists
// the identity's sockets beyond the cap. Closing happens outside sess.mu
// because the close path takes it too.
func (s *Supervisor) authenticate(ctx context.Context, sess *session, msg []byte) (websocket.StatusCode, string, []transport.Socket) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	conn := sess.conn

	if sess.timer == nil || !sess.timer.Stop() {
		// The timer fired or the connection is already closing.
		return 0, "", nil
	}

	frame, err := protocol.Decode(msg)
	auth, ok := frame.(*protocol.Auth)
	if err != nil || !ok {
		conn.Logger().Warn("First frame was not auth", slog.String("type", protocol.PeekType(msg)))
		return transport.StatusAuthRequired, "authentication required", nil
	}

	identity, code, reason := s.resolve(ctx, conn, auth.Token)
	if code != 0 {
		return code, reason, nil
	}
	if !conn.Authenticate(identity) {
		return 0, "", nil
	}
	logger := conn.Logger().With(slog.String("did", identity))

	if _, err := s.state.RegisterConnection(conn); err != nil {
		if errors.Is(err, state.ErrSocketClosed) {
			return 0, "", nil
		}
		logger.Error("Failed to register connection", slog.Any("error", err))
		return websocket.StatusInternalError, "registration failed", nil
	}
	sess.registered = true
	created := s.state.SetOnline(identity)

	if err := s.router.Attach(conn.Context(), conn, logger); err != nil {
		logger.Error("Failed to attach dispatcher", slog.Any("error", err))
		return websocket.StatusInternalError, "dispatch unavailable", nil
	}

	evict := s.state.ExcessConnections(identity, s.config.MaxConnsPerIdentity)

	raw, err := protocol.Encode(protocol.NewAuthOK(identity, conn.ID().String()))
	if err == nil {
		err = conn.Send(raw)
	}
	if err != nil {
		logger.Warn("Failed to deliver auth_ok", slog.Any("error", err))
	}
	conn.StartHeartbeat(s.config.Heartbeat)
	logger.Info("Connection authenticated", slog.Bool("firstConnection", created))

	s.engine.Online(ctx, identity, created)
	return 0, "", evict
}

// resolve validates the token and applies the ban and allow-list gates.
// A failing session validator denies; failing ban or allow-list lookups
// let the identity through.
func (s *Supervisor) resolve(ctx context.Context, conn *transport.Connection, token string) (string, websocket.StatusCode, string) {
	ctx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
	defer cancel()
	logger := conn.Logger()

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		logger.Error("Session validator failed", slog.Any("error", err))
		return "", transport.StatusAuthUnavailable, "authentication unavailable"
	}
	if sess == nil || sess.Identity == "" {
		logger.Warn("Invalid session token")
		return "", transport.StatusInvalidToken, "invalid token"
	}
	identity := sess.Identity

	if s.lookups.Bans != nil {
		banned, err := s.lookups.Bans.IsBanned(ctx, identity)
		switch {
		case err != nil:
			logger.Warn("Ban lookup failed, allowing", slog.String("did", identity), slog.Any("error", err))
		case banned:
			logger.Warn("Banned identity rejected", slog.String("did", identity))
			return "", transport.StatusForbidden, "banned"
		}
	}
	if s.lookups.Allow != nil {
		allowed, err := s.lookups.Allow.IsAllowed(ctx, identity)
		switch {
		case err != nil:
			logger.Warn("Allow-list lookup failed, allowing", slog.String("did", identity), slog.Any("error", err))
		case !allowed:
			logger.Warn("Identity not on allow-list", slog.String("did", identity))
			return "", transport.StatusForbidden, "not allowed"
		}
	}
	return identity, 0, ""
}

func (s *Supervisor) onClose(sess *session, code websocket.StatusCode, cause error) {
	conn := sess.conn
	sess.mu.Lock()
	if sess.timer != nil {
		sess.timer.Stop()
	}
	registered := sess.registered
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.live, conn.ID())
	s.mu.Unlock()

	if !registered {
		return
	}

	s.router.Detach(conn)
	ctx, cancel := context.WithTimeout(context.Background(), s.config.LookupTimeout)
	identity, remaining := s.engine.Disconnect(ctx, conn)
	cancel()
	if identity == "" || remaining > 0 {
		return
	}

	s.teardowns.Add(1)
	go func() {
		defer s.teardowns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.LookupTimeout)
		defer cancel()
		if s.engine.TeardownPresence(ctx, identity) {
			s.logger.Info("Identity offline", slog.String("did", identity), slog.Int("code", int(code)))
		}
	}()
}

// CloseAll closes every live connection, authenticated or not, and returns
// once each one ran its close path or ctx ended.
func (s *Supervisor) CloseAll(ctx context.Context, code websocket.StatusCode, reason string) (int, error) {
	s.mu.Lock()
	conns := make([]*transport.Connection, 0, len(s.live))
	for _, sess := range s.live {
		conns = append(conns, sess.conn)
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range conns {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				c.Close(code, reason)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return len(conns), ctx.Err()
	case <-ctx.Done():
		return len(conns), ctx.Err()
	}
}

// WaitTeardowns blocks until every scheduled presence teardown finished or
// ctx ends.
func (s *Supervisor) WaitTeardowns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Live reports how many connections are open, authenticated or not.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
