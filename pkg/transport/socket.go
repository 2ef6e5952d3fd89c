package transport

import (
	"errors"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send buffer full: write timed out")
)

// Socket is the part of a connection that registries and handlers may touch.
// Everything else stays owned by the connection's own goroutines.
type Socket interface {
	ID() uuid.UUID
	// Identity is empty until the connection authenticates and never changes after.
	Identity() string
	Send(message []byte) error
	IsOpen() bool
	Close(code websocket.StatusCode, reason string)
}

// Application close codes. Each rejection cause gets its own code.
const (
	StatusAuthRequired     websocket.StatusCode = 4001
	StatusAuthTimeout      websocket.StatusCode = 4002
	StatusInvalidToken     websocket.StatusCode = 4003
	StatusForbidden        websocket.StatusCode = 4004 // banned or not allow-listed
	StatusReplaced         websocket.StatusCode = 4005 // per-identity cap, oldest evicted
	StatusHeartbeatTimeout websocket.StatusCode = 4006
	StatusAuthUnavailable  websocket.StatusCode = 4007
)
