package engine

import (
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
)

// subscribersOf collects the open sockets subscribed to any of topics,
// deduplicated so a socket on several topics is reached once.
func (e *Engine) subscribersOf(topics []string, exclude transport.Socket) []transport.Socket {
	seen := make(map[uuid.UUID]struct{})
	if exclude != nil {
		seen[exclude.ID()] = struct{}{}
	}
	var out []transport.Socket
	for _, topic := range topics {
		for _, s := range e.rooms.Subscribers(topic) {
			if _, dup := seen[s.ID()]; dup {
				continue
			}
			seen[s.ID()] = struct{}{}
			if s.IsOpen() {
				out = append(out, s)
			}
		}
	}
	return out
}

// identityOnTopic reports whether any socket of identity is still
// subscribed to a rooms-registry topic.
func (e *Engine) identityOnTopic(identity, topic string) bool {
	for _, s := range e.state.IdentityConnections(identity) {
		if e.rooms.IsSubscribed(topic, s) {
			return true
		}
	}
	return false
}
