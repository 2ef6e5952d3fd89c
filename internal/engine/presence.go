package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/a-essam23/go-relay/pkg/visibility"
)

func (e *Engine) handleStatusChange(c *pipeline.Cargo) error {
	frame := c.Frame.(*protocol.StatusChange)
	p, err := e.state.SetStatus(c.Identity, frame.Update())
	switch {
	case errors.Is(err, state.ErrInvalidStatus), errors.Is(err, state.ErrInvalidPolicy):
		return protocol.Errorf(protocol.CodeInvalidFormat, "%v", err)
	case errors.Is(err, state.ErrNoPresence):
		return protocol.Errorf(protocol.CodeInvalidState, "no presence for this identity")
	case err != nil:
		return err
	}
	c.Logger.Debug("Status changed", slog.String("status", string(p.Status)), slog.String("visibility", string(p.Visibility)))
	e.publishPresence(c.Ctx, p)
	return nil
}

func (e *Engine) handleSyncCommunities(c *pipeline.Cargo) error {
	frame := c.Frame.(*protocol.SyncCommunities)
	if err := e.state.SyncCommunities(c.Identity, frame.Communities); err != nil {
		if errors.Is(err, state.ErrNoPresence) {
			return protocol.Errorf(protocol.CodeInvalidState, "no presence for this identity")
		}
		return err
	}
	c.Logger.Debug("Communities synced", slog.Int("count", len(frame.Communities)))
	return nil
}

func (e *Engine) handleWatch(c *pipeline.Cargo) error {
	frame := c.Frame.(*protocol.IdentityList)
	for _, did := range frame.DIDs {
		if _, err := e.rooms.Subscribe(WatchTopic(did), c.Conn); err != nil {
			// The socket closed under us; teardown owns the rest.
			return nil
		}
	}
	return c.Reply(protocol.NewPresenceBulk(e.bulkFor(c.Ctx, c.Identity, frame.DIDs)))
}

func (e *Engine) handleUnwatch(c *pipeline.Cargo) error {
	frame := c.Frame.(*protocol.IdentityList)
	for _, did := range frame.DIDs {
		e.rooms.Unsubscribe(WatchTopic(did), c.Conn)
	}
	return nil
}

func (e *Engine) handlePresenceQuery(c *pipeline.Cargo) error {
	frame := c.Frame.(*protocol.IdentityList)
	return c.Reply(protocol.NewPresenceBulk(e.bulkFor(c.Ctx, c.Identity, frame.DIDs)))
}

// bulkFor resolves every requested identity as observer sees it, in request order.
func (e *Engine) bulkFor(ctx context.Context, observer string, dids []string) []protocol.PresenceEntry {
	records := e.state.GetBulk(dids)
	entries := make([]protocol.PresenceEntry, 0, len(dids))
	seen := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		if _, dup := seen[did]; dup {
			continue
		}
		seen[did] = struct{}{}
		v := e.viewFor(ctx, records[did], observer)
		entries = append(entries, protocol.PresenceEntry{DID: did, Status: v.Status, AwayMessage: v.AwayMessage})
	}
	return entries
}

// viewFor is what observer may see of p. Owners always see themselves; an
// offline record needs no lookups.
func (e *Engine) viewFor(ctx context.Context, p state.Presence, observer string) visibility.View {
	if observer == p.Identity {
		return visibility.View{Status: p.Status, AwayMessage: p.AwayMessage}
	}
	if p.Status == state.StatusOffline {
		return visibility.View{Status: state.StatusOffline}
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.LookupTimeout)
	defer cancel()
	return visibility.ForObserver(p, e.factsFor(ctx, p, observer))
}

// factsFor gathers the lookups the owner's policy needs. A failed block
// lookup counts as blocked and a failed membership lookup as not a member,
// so errors only ever make the owner less visible.
func (e *Engine) factsFor(ctx context.Context, p state.Presence, observer string) visibility.Facts {
	var f visibility.Facts
	if e.lookups.Blocks != nil {
		blocked, err := e.lookups.Blocks.DoesBlock(ctx, p.Identity, observer)
		if err != nil {
			e.logger.Warn("Block lookup failed, hiding presence", slog.String("owner", p.Identity), slog.String("observer", observer), slog.Any("error", err))
			blocked = true
		}
		if blocked {
			f.Blocked = true
			return f
		}
	}

	switch p.Visibility {
	case state.VisibilityGroupMember:
		f.GroupMember = e.state.SharesCommunity(p.Identity, observer)
		if !f.GroupMember && e.lookups.Communities != nil {
			member, err := e.lookups.Communities.IsMember(ctx, p.Identity, observer)
			if err != nil {
				e.logger.Warn("Membership lookup failed", slog.String("owner", p.Identity), slog.String("observer", observer), slog.Any("error", err))
			}
			f.GroupMember = member && err == nil
		}
	case state.VisibilityInnerCircle:
		if e.lookups.Communities != nil {
			inner, err := e.lookups.Communities.IsInnerCircle(ctx, p.Identity, observer)
			if err != nil {
				e.logger.Warn("Inner circle lookup failed", slog.String("owner", p.Identity), slog.String("observer", observer), slog.Any("error", err))
			}
			f.InnerCircle = inner && err == nil
		}
	}
	return f
}

// publishPresence sends p to every room it occupies and to its watchers,
// resolved per observer.
func (e *Engine) publishPresence(ctx context.Context, p state.Presence) int {
	return e.fanout(ctx, presenceTopics(p), p, nil, func(v visibility.View) any {
		return protocol.NewPresence(p.Identity, v.Status, v.AwayMessage)
	})
}

func presenceTopics(p state.Presence) []string {
	topics := make([]string, 0, len(p.Rooms)+1)
	for _, room := range p.Rooms {
		topics = append(topics, RoomTopic(room))
	}
	return append(topics, WatchTopic(p.Identity))
}

// fanout delivers a frame about subject to every open socket on topics,
// each socket once. build sees what that socket's identity may see of the
// subject and may return nil to skip it. Views are resolved once per
// observing identity.
func (e *Engine) fanout(ctx context.Context, topics []string, subject state.Presence, exclude transport.Socket, build func(v visibility.View) any) int {
	encoded := make(map[string][]byte)
	delivered := 0
	for _, s := range e.subscribersOf(topics, exclude) {
		observer := s.Identity()
		raw, done := encoded[observer]
		if !done {
			if frame := build(e.viewFor(ctx, subject, observer)); frame != nil {
				var err error
				if raw, err = protocol.Encode(frame); err != nil {
					e.logger.Error("Failed to encode fan-out frame", slog.Any("error", err))
					return delivered
				}
			}
			encoded[observer] = raw
		}
		if raw == nil {
			continue
		}
		if err := s.Send(raw); err == nil {
			delivered++
		}
	}
	return delivered
}

// broadcastAll sends the same frame to every open socket on topics, each once.
func (e *Engine) broadcastAll(topics []string, frame any) int {
	raw, err := protocol.Encode(frame)
	if err != nil {
		e.logger.Error("Failed to encode broadcast frame", slog.Any("error", err))
		return 0
	}
	delivered := 0
	for _, s := range e.subscribersOf(topics, nil) {
		if err := s.Send(raw); err == nil {
			delivered++
		}
	}
	return delivered
}
