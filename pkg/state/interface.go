package state

import (
	"errors"

	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
)

var (
	ErrNoPresence       = errors.New("identity has no presence record")
	ErrInvalidStatus    = errors.New("status cannot be set by a client")
	ErrInvalidPolicy    = errors.New("unknown visibility policy")
	ErrSocketClosed     = errors.New("socket is not open")
	ErrMissingIdentity  = errors.New("socket has no identity")
	ErrAlreadyConnected = errors.New("connection is already registered")
)

// Connections tracks identity -> sockets and per-address admission.
type Connections interface {
	RegisterConnection(socket transport.Socket) (*Connection, error)
	// DeregisterConnection returns the owning identity and how many sockets it
	// still has. Unknown IDs return ("", 0).
	DeregisterConnection(connID uuid.UUID) (identity string, remaining int)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	IdentityConnections(identity string) []transport.Socket
	IdentityConnectionCount(identity string) int
	// ExcessConnections returns the oldest sockets beyond max, oldest first.
	ExcessConnections(identity string, max int) []transport.Socket
	AllConnections() []transport.Socket

	ReserveAddress(ip string, max int) bool
	ReleaseAddress(ip string)
}

// PresenceStore is the Presence Store. Mutations have no notification side
// effects; callers publish changes themselves.
type PresenceStore interface {
	SetOnline(identity string) (created bool)
	SetOffline(identity string) (Presence, bool)
	SetStatus(identity string, update StatusUpdate) (Presence, error)
	// ReleaseIfIdle removes the record only when the identity has no
	// registered sockets left, returning the final snapshot.
	ReleaseIfIdle(identity string) (Presence, bool)

	JoinRoom(identity, room string) (joined bool, err error)
	LeaveRoom(identity, room string) (left bool)
	GetRoomMembers(room string) []string
	IsInRoom(identity, room string) bool

	SyncCommunities(identity string, communities []string) error
	SharesCommunity(a, b string) bool

	GetStatus(identity string) Status
	GetVisibility(identity string) Visibility
	GetPresence(identity string) (Presence, bool)
	GetBulk(identities []string) map[string]Presence
}

type Manager interface {
	Connections
	PresenceStore
}
