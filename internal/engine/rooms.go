package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/visibility"
)

func (e *Engine) handleRoomJoin(c *pipeline.Cargo) error {
	room := c.Frame.(*protocol.RoomRef).RoomID
	topic := RoomTopic(room)

	e.membershipMu.Lock()
	if _, err := e.rooms.Subscribe(topic, c.Conn); err != nil {
		e.membershipMu.Unlock()
		return nil
	}
	joined, err := e.state.JoinRoom(c.Identity, room)
	if err != nil {
		e.rooms.Unsubscribe(topic, c.Conn)
	}
	e.membershipMu.Unlock()
	if err != nil {
		if errors.Is(err, state.ErrNoPresence) {
			return protocol.Errorf(protocol.CodeInvalidState, "no presence for this identity")
		}
		return err
	}

	members, entries := e.visibleMembers(c.Ctx, c.Identity, room)
	if err := c.Reply(protocol.NewRoomJoined(room, members)); err != nil {
		return err
	}
	if err := c.Reply(protocol.NewPresenceBulk(entries)); err != nil {
		return err
	}

	if joined {
		c.Logger.Debug("Joined room", slog.String("room", room))
		if p, ok := e.state.GetPresence(c.Identity); ok {
			e.fanout(c.Ctx, []string{topic}, p, c.Conn, func(v visibility.View) any {
				if v.Status == state.StatusOffline {
					return nil
				}
				return protocol.NewPresence(p.Identity, v.Status, v.AwayMessage)
			})
		}
	}
	return nil
}

// visibleMembers lists the room's occupants observer may see, with the
// presence of each as observer sees it.
func (e *Engine) visibleMembers(ctx context.Context, observer, room string) ([]string, []protocol.PresenceEntry) {
	occupants := e.state.GetRoomMembers(room)
	records := e.state.GetBulk(occupants)
	members := make([]string, 0, len(occupants))
	entries := make([]protocol.PresenceEntry, 0, len(occupants))
	for _, did := range occupants {
		v := e.viewFor(ctx, records[did], observer)
		if v.Status == state.StatusOffline && did != observer {
			continue
		}
		members = append(members, did)
		entries = append(entries, protocol.PresenceEntry{DID: did, Status: v.Status, AwayMessage: v.AwayMessage})
	}
	return members, entries
}

func (e *Engine) handleRoomLeave(c *pipeline.Cargo) error {
	room := c.Frame.(*protocol.RoomRef).RoomID
	topic := RoomTopic(room)

	e.membershipMu.Lock()
	e.rooms.Unsubscribe(topic, c.Conn)
	left := false
	if !e.identityOnTopic(c.Identity, topic) {
		left = e.state.LeaveRoom(c.Identity, room)
	}
	e.membershipMu.Unlock()

	if left {
		c.Logger.Debug("Left room", slog.String("room", room))
		e.announceDeparture(c.Ctx, c.Identity, room)
	}
	return c.Reply(protocol.NewRoomLeft(room))
}

// announceDeparture tells the room that identity left, skipping observers
// who could not see the identity in the first place.
func (e *Engine) announceDeparture(ctx context.Context, identity, room string) {
	topic := RoomTopic(room)
	p, ok := e.state.GetPresence(identity)
	if !ok {
		e.broadcastAll([]string{topic}, protocol.NewRoomMemberLeft(room, identity))
		return
	}
	e.fanout(ctx, []string{topic}, p, nil, func(v visibility.View) any {
		if v.Status == state.StatusOffline {
			return nil
		}
		return protocol.NewRoomMemberLeft(room, identity)
	})
}

func (e *Engine) handleTyping(c *pipeline.Cargo) error {
	room := c.Frame.(*protocol.RoomRef).RoomID
	topic := RoomTopic(room)
	if !e.rooms.IsSubscribed(topic, c.Conn) {
		return protocol.Errorf(protocol.CodeAccessDenied, "not in room %q", room)
	}
	p, ok := e.state.GetPresence(c.Identity)
	if !ok {
		return nil
	}
	e.fanout(c.Ctx, []string{topic}, p, c.Conn, func(v visibility.View) any {
		if v.Status == state.StatusOffline {
			return nil
		}
		return protocol.NewTyping(room, c.Identity)
	})
	return nil
}

// leaveVacatedRooms drops identity from every room in topics that none of
// its remaining sockets is subscribed to, announcing each departure.
func (e *Engine) leaveVacatedRooms(ctx context.Context, identity string, topics []string) {
	var vacated []string
	e.membershipMu.Lock()
	for _, topic := range topics {
		room, ok := isRoomTopic(topic)
		if !ok || e.identityOnTopic(identity, topic) {
			continue
		}
		if e.state.LeaveRoom(identity, room) {
			vacated = append(vacated, room)
		}
	}
	e.membershipMu.Unlock()

	for _, room := range vacated {
		e.announceDeparture(ctx, identity, room)
	}
}
