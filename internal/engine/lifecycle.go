package engine

import (
	"context"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/a-essam23/go-relay/pkg/visibility"
)

// Online announces identity to its watchers when created reports that the
// presence record was just made by this socket's authentication.
func (e *Engine) Online(ctx context.Context, identity string, created bool) {
	if !created {
		return
	}
	p, ok := e.state.GetPresence(identity)
	if !ok {
		return
	}
	e.fanout(ctx, []string{WatchTopic(identity)}, p, nil, func(v visibility.View) any {
		return protocol.NewPresence(p.Identity, v.Status, v.AwayMessage)
	})
}

// Disconnect removes a closed socket from both registries, collects the
// conversations it leaves empty and deregisters it. Rooms the identity no
// longer occupies from any other socket are left and announced. It returns
// the owning identity and how many sockets it still has; zero means the
// caller must schedule TeardownPresence.
func (e *Engine) Disconnect(ctx context.Context, socket transport.Socket) (string, int) {
	roomTopics := e.rooms.UnsubscribeAll(socket)
	for _, topic := range e.conversations.UnsubscribeAll(socket) {
		for _, relay := range e.relays {
			if relay.Owns(topic) {
				relay.Collect(topic)
				break
			}
		}
	}

	identity, remaining := e.state.DeregisterConnection(socket.ID())
	if identity == "" {
		return "", 0
	}
	if remaining > 0 {
		e.leaveVacatedRooms(ctx, identity, roomTopics)
	}
	return identity, remaining
}

// TeardownPresence removes the presence record of an identity whose last
// socket closed and broadcasts offline to its rooms and watchers. It reports
// false when a socket of the identity registered again in the meantime; the
// record then stays and only rooms no live socket occupies are left.
func (e *Engine) TeardownPresence(ctx context.Context, identity string) bool {
	snap, released := e.state.ReleaseIfIdle(identity)
	if !released {
		if p, ok := e.state.GetPresence(identity); ok {
			topics := make([]string, 0, len(p.Rooms))
			for _, room := range p.Rooms {
				topics = append(topics, RoomTopic(room))
			}
			e.leaveVacatedRooms(ctx, identity, topics)
		}
		return false
	}

	n := e.broadcastAll(presenceTopics(snap), protocol.NewPresence(identity, state.StatusOffline, ""))
	e.logger.Debug("Presence torn down", slog.String("did", identity), slog.Int("rooms", len(snap.Rooms)), slog.Int("notified", n))

	// A re-login that slipped in after the release has already announced
	// itself; repeat it so watchers do not end on the stale offline.
	if p, ok := e.state.GetPresence(identity); ok {
		e.publishPresence(ctx, p)
	}
	return true
}
