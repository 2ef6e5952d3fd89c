package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/a-essam23/go-relay/pkg/collab/jwtsession"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:             "127.0.0.1:0",
			Path:                "/ws",
			MaxConnsPerIdentity: 3,
			AuthTimeout:         2 * time.Second,
			ShutdownTimeout:     5 * time.Second,
		},
		Transport: config.TransportConfig{
			MaxFrameBytes:       100 * 1024,
			SendBuffer:          64,
			WriteTimeout:        time.Second,
			CloseTimeout:        200 * time.Millisecond,
			MaxMissedHeartbeats: 2,
		},
		Dispatch: config.DispatchConfig{
			QueueSize:     16,
			RateLimit:     1000,
			RateBurst:     1000,
			LookupTimeout: time.Second,
		},
		Signaling: config.SignalingConfig{OfferTimeout: 5 * time.Second},
		Auth:      config.AuthConfig{JWTSecret: testSecret},
	}
}

type harness struct {
	app *server.App
	srv *httptest.Server
	dir *collab.Directory
}

type option func(cfg *config.Config, deps *server.Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	return newHarnessWithRoot(t, context.Background(), opts...)
}

// newHarnessWithRoot builds the app under root, the way main passes its
// signal context.
func newHarnessWithRoot(t *testing.T, root context.Context, opts ...option) *harness {
	t.Helper()
	cfg := testConfig()
	dir := collab.NewDirectory(true)
	validator, err := jwtsession.New(logging.Discard(), jwtsession.Options{Secret: testSecret})
	require.NoError(t, err)
	deps := server.Deps{Sessions: validator, Lookups: collab.LookupsFrom(dir)}
	for _, o := range opts {
		o(cfg, &deps)
	}

	app := server.NewApp(logging.Discard(), root, cfg, deps)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		_ = app.Shutdown()
		srv.Close()
	})
	return &harness{app: app, srv: srv, dir: dir}
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, h.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func token(t *testing.T, identity string) string {
	t.Helper()
	tok, err := jwtsession.Issue(testSecret, identity, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func write(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &frame))
	return frame
}

// readUntil skips frames until match accepts one.
func readUntil(t *testing.T, c *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		if f := read(t, c); match(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func ofType(typ string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == typ }
}

func (h *harness) login(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	c := h.dial(t)
	write(t, c, map[string]string{"type": "auth", "token": token(t, identity)})
	ok := read(t, c)
	require.Equal(t, "auth_ok", ok["type"])
	require.Equal(t, identity, ok["did"])
	return c
}

func expectClose(t *testing.T, c *websocket.Conn, code websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			assert.Equal(t, code, websocket.CloseStatus(err), "close error: %v", err)
			return
		}
	}
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	write(t, c, map[string]string{"type": "ping"})
	expectClose(t, c, transport.StatusAuthRequired)
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *server.Deps) {
		cfg.Server.AuthTimeout = 100 * time.Millisecond
	})
	c := h.dial(t)
	expectClose(t, c, transport.StatusAuthTimeout)
}

func TestInvalidToken(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	write(t, c, map[string]string{"type": "auth", "token": "not-a-jwt"})
	expectClose(t, c, transport.StatusInvalidToken)
}

func TestBannedIdentity(t *testing.T) {
	h := newHarness(t)
	h.dir.Ban("mallory")
	c := h.dial(t)
	write(t, c, map[string]string{"type": "auth", "token": token(t, "mallory")})
	expectClose(t, c, transport.StatusForbidden)
	_, ok := h.app.State().GetPresence("mallory")
	assert.False(t, ok)
}

func TestAllowListGate(t *testing.T) {
	dir := collab.NewDirectory(false)
	dir.Allow("invited")
	h := newHarness(t, func(_ *config.Config, deps *server.Deps) {
		deps.Lookups = collab.LookupsFrom(dir)
	})

	c := h.dial(t)
	write(t, c, map[string]string{"type": "auth", "token": token(t, "stranger")})
	expectClose(t, c, transport.StatusForbidden)

	h.login(t, "invited")
}

type brokenValidator struct{}

func (brokenValidator) Resolve(context.Context, string) (*collab.Session, error) {
	return nil, errors.New("identity service down")
}

type brokenBans struct{}

func (brokenBans) IsBanned(context.Context, string) (bool, error) {
	return true, errors.New("ban list down")
}

func TestSessionFailureFailsClosed(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, deps *server.Deps) {
		deps.Sessions = brokenValidator{}
	})
	c := h.dial(t)
	write(t, c, map[string]string{"type": "auth", "token": token(t, "u1")})
	expectClose(t, c, transport.StatusAuthUnavailable)
}

func TestBanLookupFailureFailsOpen(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, deps *server.Deps) {
		deps.Lookups.Bans = brokenBans{}
	})
	h.login(t, "u1")
}

func TestEvictsOldestConnection(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *server.Deps) {
		cfg.Server.MaxConnsPerIdentity = 2
	})
	first := h.login(t, "u1")
	second := h.login(t, "u1")
	third := h.login(t, "u1")

	expectClose(t, first, transport.StatusReplaced)
	for _, c := range []*websocket.Conn{second, third} {
		write(t, c, map[string]string{"type": "ping"})
		assert.Equal(t, "pong", readUntil(t, c, ofType("pong"))["type"])
	}
	require.Eventually(t, func() bool { return h.app.State().IdentityConnectionCount("u1") == 2 }, time.Second, 10*time.Millisecond)
}

func TestPresenceScenario(t *testing.T) {
	h := newHarness(t)
	u1 := h.login(t, "u1")
	write(t, u1, map[string]string{"type": "room_join", "roomId": "r1"})
	readUntil(t, u1, ofType("room_joined"))

	u2 := h.login(t, "u2")
	write(t, u2, map[string]string{"type": "room_join", "roomId": "r1"})
	joined := readUntil(t, u2, ofType("room_joined"))
	assert.Equal(t, []any{"u1", "u2"}, joined["members"])

	write(t, u1, map[string]string{"type": "status_change", "status": "away", "awayMessage": "brb"})
	isAway := func(f map[string]any) bool { return f["type"] == "presence" && f["did"] == "u1" && f["status"] == "away" }
	assert.Equal(t, "brb", readUntil(t, u1, isAway)["awayMessage"])
	assert.Equal(t, "brb", readUntil(t, u2, isAway)["awayMessage"])

	require.NoError(t, u1.Close(websocket.StatusNormalClosure, "bye"))

	offline := readUntil(t, u2, func(f map[string]any) bool { return f["type"] == "presence" && f["did"] == "u1" })
	assert.Equal(t, map[string]any{"type": "presence", "did": "u1", "status": "offline"}, offline)
	require.Eventually(t, func() bool {
		_, ok := h.app.State().GetPresence("u1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	c := h.login(t, "u1")
	write(t, c, map[string]string{"type": "teleport"})
	errFrame := readUntil(t, c, ofType("error"))
	assert.Equal(t, "invalid_format", errFrame["code"])
	assert.Equal(t, "teleport", errFrame["ref"])

	write(t, c, map[string]string{"type": "ping"})
	readUntil(t, c, ofType("pong"))
}

func TestFrameTooLarge(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *server.Deps) {
		cfg.Transport.MaxFrameBytes = 1024
	})
	c := h.login(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","pad":"`+strings.Repeat("x", 4096)+`"}`))
	expectClose(t, c, websocket.StatusMessageTooBig)
}

func TestPerAddressCap(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *server.Deps) {
		cfg.Server.MaxConnsPerIP = 1
	})
	h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownDrainsPresence(t *testing.T) {
	h := newHarness(t)
	c := h.login(t, "u1")
	write(t, c, map[string]string{"type": "room_join", "roomId": "r1"})
	readUntil(t, c, ofType("room_joined"))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		expectClose(t, c, websocket.StatusGoingAway)
	}()

	require.NoError(t, h.app.Shutdown())
	<-closed

	_, ok := h.app.State().GetPresence("u1")
	assert.False(t, ok, "no presence survives a clean shutdown")
	assert.Empty(t, h.app.State().GetRoomMembers("r1"))
}

func TestEvictionDoesNotWaitForSilentPeer(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *server.Deps) {
		cfg.Server.MaxConnsPerIdentity = 1
		cfg.Transport.CloseTimeout = 3 * time.Second
	})
	// stale never reads again, like a tab that lost its network.
	stale := h.login(t, "u1")
	fresh := h.login(t, "u1")

	start := time.Now()
	write(t, fresh, map[string]string{"type": "ping"})
	readUntil(t, fresh, ofType("pong"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, h.app.State().IdentityConnectionCount("u1"))

	expectClose(t, stale, transport.StatusReplaced)
}

func TestShutdownWithSilentClients(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		c := h.login(t, id)
		write(t, c, map[string]string{"type": "room_join", "roomId": "r1"})
		readUntil(t, c, ofType("room_joined"))
	}

	start := time.Now()
	require.NoError(t, h.app.Shutdown())
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, id := range []string{"u1", "u2", "u3"} {
		_, ok := h.app.State().GetPresence(id)
		assert.False(t, ok, id)
	}
	assert.Empty(t, h.app.State().GetRoomMembers("r1"))
}

func TestRootCancellationStillClosesWithGoingAway(t *testing.T) {
	root, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarnessWithRoot(t, root)
	c := h.login(t, "u1")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		expectClose(t, c, websocket.StatusGoingAway)
	}()

	cancel()
	require.NoError(t, h.app.Shutdown())
	<-closed

	_, ok := h.app.State().GetPresence("u1")
	assert.False(t, ok)
}

func TestHeartbeatTimeoutTearsDownPresence(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *server.Deps) {
		cfg.Transport.HeartbeatInterval = 50 * time.Millisecond
		cfg.Transport.HeartbeatTimeout = 50 * time.Millisecond
		cfg.Transport.CloseTimeout = time.Second
	})
	watcher := h.login(t, "u2")
	write(t, watcher, map[string]any{"type": "watch", "dids": []string{"u1"}})
	readUntil(t, watcher, ofType("presence_bulk"))

	// The watcher keeps reading so it keeps answering pings.
	offline := make(chan map[string]any, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			var f map[string]any
			if err := wsjson.Read(ctx, watcher, &f); err != nil {
				return
			}
			if f["type"] == "presence" && f["did"] == "u1" && f["status"] == "offline" {
				offline <- f
				return
			}
		}
	}()

	// u1 stops reading after auth_ok and so never answers a ping.
	c := h.login(t, "u1")
	require.Eventually(t, func() bool {
		_, ok := h.app.State().GetPresence("u1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	expectClose(t, c, transport.StatusHeartbeatTimeout)

	select {
	case f := <-offline:
		assert.Equal(t, map[string]any{"type": "presence", "did": "u1", "status": "offline"}, f)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never saw u1 go offline")
	}
	_, ok := h.app.State().GetPresence("u2")
	assert.True(t, ok, "a reading client survives the heartbeat")
}
