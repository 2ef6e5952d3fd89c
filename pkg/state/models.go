package state

import (
	"time"

	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
)

// Status is the live state an identity reports for itself.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusIdle      Status = "idle"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

// Settable reports whether a client may choose this status. Offline is only
// ever derived from having no connections.
func (s Status) Settable() bool {
	switch s {
	case StatusOnline, StatusAway, StatusIdle, StatusInvisible:
		return true
	}
	return false
}

// Visibility is the policy deciding who may see an identity's real status.
type Visibility string

const (
	VisibilityEveryone    Visibility = "everyone"
	VisibilityGroupMember Visibility = "group-member"
	VisibilityInnerCircle Visibility = "inner-circle"
	VisibilityNoOne       Visibility = "no-one"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityEveryone, VisibilityGroupMember, VisibilityInnerCircle, VisibilityNoOne:
		return true
	}
	return false
}

// Connection is one authenticated socket registered to an identity.
type Connection struct {
	ID        uuid.UUID
	Identity  string
	Socket    transport.Socket
	CreatedAt time.Time
	// seq orders registrations so the oldest can be evicted deterministically.
	seq uint64
}

// Seq is the registration order of the connection within the manager.
func (c *Connection) Seq() uint64 { return c.seq }

// NewConnection is used by implementations to build a registered connection.
func NewConnection(socket transport.Socket, seq uint64) *Connection {
	return &Connection{
		ID:        socket.ID(),
		Identity:  socket.Identity(),
		Socket:    socket,
		CreatedAt: time.Now(),
		seq:       seq,
	}
}

// Presence is a point-in-time copy of one identity's Presence Record.
type Presence struct {
	Identity    string
	Status      Status
	AwayMessage string
	Visibility  Visibility
	UpdatedAt   time.Time
	Rooms       []string
	Communities []string
}

// StatusUpdate carries the optional parts of a status change.
type StatusUpdate struct {
	Status      Status
	AwayMessage *string
	Visibility  *Visibility
}
