// Package pubsub is a bidirectional topic <-> socket subscription table.
// The relay runs two independent instances: one for rooms and watcher
// topics, one for pairwise conversations.
package pubsub

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
)

var ErrSocketClosed = errors.New("pubsub: socket is not open")

type Registry struct {
	name    string
	topics  map[string]map[uuid.UUID]transport.Socket
	sockets map[uuid.UUID]map[string]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger
}

func NewRegistry(name string, logger *slog.Logger) *Registry {
	return &Registry{
		name:    name,
		topics:  make(map[string]map[uuid.UUID]transport.Socket),
		sockets: make(map[uuid.UUID]map[string]struct{}),
		logger:  logger.With(slog.String("component", "pubsub"), slog.String("registry", name)),
	}
}

// Subscribe adds the (topic, socket) edge. It reports whether the edge is new.
func (r *Registry) Subscribe(topic string, socket transport.Socket) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Checked under mu so a socket that closed and was already swept by
	// UnsubscribeAll cannot be re-added.
	if !socket.IsOpen() {
		return false, ErrSocketClosed
	}
	id := socket.ID()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[uuid.UUID]transport.Socket)
		r.topics[topic] = subs
	}
	if _, exists := subs[id]; exists {
		return false, nil
	}
	subs[id] = socket

	joined, ok := r.sockets[id]
	if !ok {
		joined = make(map[string]struct{})
		r.sockets[id] = joined
	}
	joined[topic] = struct{}{}

	r.logger.Debug("Subscribed", slog.String("topic", topic), slog.String("connID", id.String()))
	return true, nil
}

// Unsubscribe removes the edge and reports whether it existed.
func (r *Registry) Unsubscribe(topic string, socket transport.Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(topic, socket.ID())
}

// UnsubscribeAll removes every edge of the socket and returns the topics it
// was on, sorted.
func (r *Registry) UnsubscribeAll(socket transport.Socket) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := socket.ID()
	joined := r.sockets[id]
	topics := make([]string, 0, len(joined))
	for topic := range joined {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		r.removeLocked(topic, id)
	}
	sort.Strings(topics)
	return topics
}

func (r *Registry) removeLocked(topic string, id uuid.UUID) bool {
	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
	if joined, ok := r.sockets[id]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(r.sockets, id)
		}
	}
	return true
}

// Broadcast sends message to every open subscriber of topic except exclude
// (nil for none) and returns how many sends succeeded. Delivery is best
// effort: send failures are logged, never returned.
func (r *Registry) Broadcast(topic string, message []byte, exclude transport.Socket) int {
	targets := r.Subscribers(topic)

	delivered := 0
	for _, s := range targets {
		if exclude != nil && s.ID() == exclude.ID() {
			continue
		}
		if !s.IsOpen() {
			continue
		}
		if err := s.Send(message); err != nil {
			r.logger.Debug("Broadcast send failed", slog.String("topic", topic), slog.String("connID", s.ID().String()), slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns a snapshot of the sockets on topic.
func (r *Registry) Subscribers(topic string) []transport.Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.topics[topic]
	out := make([]transport.Socket, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

func (r *Registry) HasSubscribers(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic]) > 0
}

func (r *Registry) IsSubscribed(topic string, socket transport.Socket) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic][socket.ID()]
	return ok
}

// Topics returns the topics socket is subscribed to, sorted.
func (r *Registry) Topics(socket transport.Socket) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.sockets[socket.ID()]
	topics := make([]string, 0, len(joined))
	for topic := range joined {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// TopicCount is the number of topics with at least one subscriber.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
