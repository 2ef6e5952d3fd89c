package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/pubsub"
	"github.com/a-essam23/go-relay/pkg/signaling"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statemanager"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
)

// Deps are the collaborators the relay consults but does not own.
type Deps struct {
	Sessions collab.SessionValidator
	Lookups  collab.Lookups
}

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	engine       *engine.Engine
	eventRouter  *router.EventRouter
	supervisor   *Supervisor
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context

	// connCtx parents every connection. It ends when Shutdown returns, not
	// when the root context does.
	connCtx    context.Context
	connCancel context.CancelFunc

	mu       sync.Mutex
	draining bool
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, deps Deps) *App {
	stateManager := statemanager.NewInMemoryManager(logger)
	eng := engine.New(logger, engine.Deps{
		State:         stateManager,
		Rooms:         pubsub.NewRegistry("rooms", logger),
		Conversations: pubsub.NewRegistry("conversations", logger),
		Lookups:       deps.Lookups,
	}, engine.Options{
		LookupTimeout: cfg.Dispatch.LookupTimeout,
		Signaling: signaling.Options{
			OfferTimeout: cfg.Signaling.OfferTimeout,
			ValidateSDP:  cfg.Signaling.ValidateSDP,
		},
	})
	eventRouter := router.NewEventRouter(logger, eng.Dispatch, router.Config{
		QueueSize: cfg.Dispatch.QueueSize,
		RateLimit: cfg.Dispatch.RateLimit,
		RateBurst: cfg.Dispatch.RateBurst,
	})
	supervisor := NewSupervisor(logger, SupervisorConfig{
		AuthTimeout:         cfg.Server.AuthTimeout,
		MaxConnsPerIdentity: cfg.Server.MaxConnsPerIdentity,
		LookupTimeout:       cfg.Dispatch.LookupTimeout,
		Heartbeat: transport.HeartbeatConfig{
			Interval:  cfg.Transport.HeartbeatInterval,
			Timeout:   cfg.Transport.HeartbeatTimeout,
			MaxMissed: cfg.Transport.MaxMissedHeartbeats,
		},
	}, stateManager, eventRouter, eng, deps.Sessions, deps.Lookups)

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		engine:       eng,
		eventRouter:  eventRouter,
		supervisor:   supervisor,
		config:       cfg,
		ctx:          rootCtx,
	}
	app.connCtx, app.connCancel = context.WithCancel(context.WithoutCancel(rootCtx))

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle(cfg.Server.Path,
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(logger, stateManager, cfg.Server.MaxConnsPerIP),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the mux, for embedding the relay in another server or a test.
func (a *App) Handler() http.Handler { return a.http.Handler }

// Engine is the outward fan-out surface.
func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) State() state.Manager { return a.stateManager }

// Run serves until the root context ends, then shuts down gracefully.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr), slog.String("path", a.config.Server.Path))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
	case err := <-errCh:
		return err
	}
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var ip string
	if reqMeta != nil {
		ip = reqMeta.IP
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config.Server.AllowedOrigins,
	})
	if err != nil {
		a.logger.Warn("Failed to accept websocket connection", slog.String("remoteAddr", ip), slog.Any("error", err))
		return
	}

	// Registration with a.wg happens under a.mu so no connection is added
	// once Shutdown started waiting.
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		wsConn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	conn := transport.NewConnection(
		a.connCtx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			MaxFrameBytes: a.config.Transport.MaxFrameBytes,
			SendBuffer:    a.config.Transport.SendBuffer,
			WriteTimeout:  a.config.Transport.WriteTimeout,
			CloseTimeout:  a.config.Transport.CloseTimeout,
		},
		ip,
		a.logger,
	)
	a.mu.Unlock()

	a.supervisor.Accept(conn)
	<-conn.Done()
}

// graceful shutdown sequence: stop accepting, close every socket, wait for
// their goroutines, then wait for the presence teardowns they scheduled.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer a.connCancel()

	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	n, err := a.supervisor.CloseAll(shutdownCtx, websocket.StatusGoingAway, "server shutting down")
	if err != nil {
		return err
	}
	a.logger.Info("Closed all active connections", slog.Int("count", n))

	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-shutdownCtx.Done():
		return shutdownCtx.Err()
	}

	if err := a.supervisor.WaitTeardowns(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
