// Package collab declares the external services the relay consults and an
// in-memory directory implementing the lookup side of them.
package collab

import (
	"context"
	"time"
)

type Session struct {
	Identity  string
	ExpiresAt time.Time
}

// SessionValidator resolves a bearer token. A nil session with a nil error
// means the token is invalid or expired; a non-nil error means the validator
// itself failed.
type SessionValidator interface {
	Resolve(ctx context.Context, token string) (*Session, error)
}

type BanList interface {
	IsBanned(ctx context.Context, identity string) (bool, error)
}

type AllowList interface {
	IsAllowed(ctx context.Context, identity string) (bool, error)
}

type BlockList interface {
	// DoesBlock reports whether blocker has blocked target.
	DoesBlock(ctx context.Context, blocker, target string) (bool, error)
}

type CommunityMembership interface {
	IsMember(ctx context.Context, owner, other string) (bool, error)
	IsInnerCircle(ctx context.Context, owner, other string) (bool, error)
}

// Lookups groups the directory-style collaborators.
type Lookups struct {
	Bans        BanList
	Allow       AllowList
	Blocks      BlockList
	Communities CommunityMembership
}

// Backend serves every directory lookup from one store.
type Backend interface {
	BanList
	AllowList
	BlockList
	CommunityMembership
}

// LookupsFrom wires a single backend into every lookup slot.
func LookupsFrom(d Backend) Lookups {
	return Lookups{Bans: d, Allow: d, Blocks: d, Communities: d}
}
