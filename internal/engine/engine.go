package engine

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/a-essam23/go-relay/pkg/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/pubsub"
	"github.com/a-essam23/go-relay/pkg/signaling"
	"github.com/a-essam23/go-relay/pkg/state"
)

const (
	roomPrefix  = "room:"
	watchPrefix = "presence:"
)

// RoomTopic is the rooms-registry topic for a room.
func RoomTopic(room string) string { return roomPrefix + room }

// WatchTopic is the rooms-registry topic watchers of identity subscribe to.
func WatchTopic(identity string) string { return watchPrefix + identity }

type Options struct {
	// LookupTimeout bounds every collaborator call made while handling a frame.
	LookupTimeout time.Duration
	Signaling     signaling.Options
}

type Deps struct {
	State         state.Manager
	Rooms         *pubsub.Registry
	Conversations *pubsub.Registry
	Lookups       collab.Lookups
}

// Engine owns the handlers for every authenticated frame type and the
// presence fan-out built on the two subscription registries.
type Engine struct {
	logger        *slog.Logger
	state         state.Manager
	rooms         *pubsub.Registry
	conversations *pubsub.Registry
	lookups       collab.Lookups
	relays        map[string]*signaling.Relay
	registry      *Registry
	opts          Options

	// membershipMu guards room subscription and room membership changes as
	// one step.
	membershipMu sync.Mutex
}

func New(logger *slog.Logger, deps Deps, opts Options) *Engine {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	e := &Engine{
		logger:        logger.With(slog.String("component", "engine")),
		state:         deps.State,
		rooms:         deps.Rooms,
		conversations: deps.Conversations,
		lookups:       deps.Lookups,
		relays:        make(map[string]*signaling.Relay),
		registry:      NewRegistry(logger),
		opts:          opts,
	}
	for _, ns := range protocol.Namespaces {
		e.relays[ns] = signaling.NewRelay(ns, deps.Conversations, deps.State, opts.Signaling, logger)
	}
	e.registerCoreHandlers()
	return e
}

func (e *Engine) registerCoreHandlers() {
	e.registry.RegisterHandler(protocol.TypeAuth, handleRepeatedAuth)
	e.registry.RegisterHandler(protocol.TypePing, handlePing)

	e.registry.RegisterHandler(protocol.TypeRoomJoin, e.handleRoomJoin)
	e.registry.RegisterHandler(protocol.TypeRoomLeave, e.handleRoomLeave)
	e.registry.RegisterHandler(protocol.TypeTyping, e.handleTyping)

	e.registry.RegisterHandler(protocol.TypeStatusChange, e.handleStatusChange)
	e.registry.RegisterHandler(protocol.TypeSyncCommunities, e.handleSyncCommunities)
	e.registry.RegisterHandler(protocol.TypeWatch, e.handleWatch)
	e.registry.RegisterHandler(protocol.TypeUnwatch, e.handleUnwatch)
	e.registry.RegisterHandler(protocol.TypePresenceQuery, e.handlePresenceQuery)

	for ns, relay := range e.relays {
		e.registry.RegisterHandler(protocol.SignalType(ns, protocol.VerbOpen), e.handleOpen(relay))
		e.registry.RegisterHandler(protocol.SignalType(ns, protocol.VerbOffer), e.handleOffer(relay))
		e.registry.RegisterHandler(protocol.SignalType(ns, protocol.VerbAnswer), e.handleAnswer(relay))
		e.registry.RegisterHandler(protocol.SignalType(ns, protocol.VerbICE), e.handleICE(relay))
		e.registry.RegisterHandler(protocol.SignalType(ns, protocol.VerbClose), e.handleClose(relay))
		e.registry.RegisterHandler(protocol.SignalType(ns, protocol.VerbReject), e.handleReject(relay))
	}
	e.logger.Info("Registered core handlers", slog.Int("count", len(e.registry.Types())))
}

// Dispatch routes a decoded frame to its handler. It is the router's entry point.
func (e *Engine) Dispatch(c *pipeline.Cargo) error {
	fn, ok := e.registry.GetHandler(c.Frame.FrameType())
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidFormat, "unhandled frame type %q", c.Frame.FrameType())
	}
	return fn(c)
}

// Relay returns the signaling relay of a namespace.
func (e *Engine) Relay(namespace string) (*signaling.Relay, bool) {
	r, ok := e.relays[namespace]
	return r, ok
}

// --- Outward fan-out, used by the persistence layer ---

// BroadcastToRoom sends a pre-encoded frame to every socket in room.
func (e *Engine) BroadcastToRoom(room string, frame []byte) int {
	return e.rooms.Broadcast(RoomTopic(room), frame, nil)
}

// SendToIdentity sends a pre-encoded frame to every live socket of identity.
func (e *Engine) SendToIdentity(identity string, frame []byte) int {
	delivered := 0
	for _, s := range e.state.IdentityConnections(identity) {
		if !s.IsOpen() {
			continue
		}
		if err := s.Send(frame); err == nil {
			delivered++
		}
	}
	return delivered
}

// IsSubscribed reports whether any socket of identity is subscribed to room.
func (e *Engine) IsSubscribed(identity, room string) bool {
	return e.identityOnTopic(identity, RoomTopic(room))
}

func handleRepeatedAuth(c *pipeline.Cargo) error {
	return protocol.Errorf(protocol.CodeInvalidState, "connection is already authenticated")
}

func handlePing(c *pipeline.Cargo) error {
	return c.Reply(protocol.NewPong())
}

func isRoomTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, roomPrefix)
}
