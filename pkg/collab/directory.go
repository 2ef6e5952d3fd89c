package collab

import (
	"context"
	"sync"
)

type edge struct{ from, to string }

// Directory is a thread-safe in-memory ban list, allow list, block list and
// community graph. With OpenAccess set the allow list admits everyone.
type Directory struct {
	OpenAccess bool

	mu      sync.RWMutex
	banned  map[string]struct{}
	allowed map[string]struct{}
	blocks  map[edge]struct{}
	members map[edge]bool // (owner, member) -> inner circle
}

var _ Backend = (*Directory)(nil)

func NewDirectory(openAccess bool) *Directory {
	return &Directory{
		OpenAccess: openAccess,
		banned:     make(map[string]struct{}),
		allowed:    make(map[string]struct{}),
		blocks:     make(map[edge]struct{}),
		members:    make(map[edge]bool),
	}
}

func (d *Directory) Ban(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.banned[identity] = struct{}{}
}

func (d *Directory) Unban(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.banned, identity)
}

func (d *Directory) Allow(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowed[identity] = struct{}{}
}

func (d *Directory) Block(blocker, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[edge{blocker, target}] = struct{}{}
}

func (d *Directory) Unblock(blocker, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blocks, edge{blocker, target})
}

// AddMember records member in owner's community, optionally as inner circle.
func (d *Directory) AddMember(owner, member string, innerCircle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[edge{owner, member}] = innerCircle
}

func (d *Directory) IsBanned(_ context.Context, identity string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.banned[identity]
	return ok, nil
}

func (d *Directory) IsAllowed(_ context.Context, identity string) (bool, error) {
	if d.OpenAccess {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.allowed[identity]
	return ok, nil
}

func (d *Directory) DoesBlock(_ context.Context, blocker, target string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blocks[edge{blocker, target}]
	return ok, nil
}

func (d *Directory) IsMember(_ context.Context, owner, other string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[edge{owner, other}]
	return ok, nil
}

func (d *Directory) IsInnerCircle(_ context.Context, owner, other string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members[edge{owner, other}], nil
}
