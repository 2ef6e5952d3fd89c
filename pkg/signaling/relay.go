// Package signaling relays offer/answer/ICE exchanges between the two
// participants of a conversation and resolves simultaneous offers.
package signaling

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/pubsub"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/pion/webrtc/v4"
	"github.com/zeebo/blake3"
)

var (
	ErrNotParticipant = errors.New("signaling: sender is not a participant")
	ErrInvalidTarget  = errors.New("signaling: invalid conversation target")
	ErrInvalidState   = errors.New("signaling: conversation already answered")
	ErrInvalidSDP     = errors.New("signaling: invalid session description")
)

// Sockets resolves the live sockets of an identity.
type Sockets interface {
	IdentityConnections(identity string) []transport.Socket
}

// Outcome describes what happened to an offer.
type Outcome int

const (
	// OfferRelayed is an offer without a collision.
	OfferRelayed Outcome = iota
	// OfferDropped is a polite sender's offer discarded on collision.
	OfferDropped
	// OfferWon is an impolite sender's offer that replaced the polite side's.
	OfferWon
)

func (o Outcome) String() string {
	switch o {
	case OfferDropped:
		return "dropped"
	case OfferWon:
		return "won"
	}
	return "relayed"
}

type Options struct {
	// OfferTimeout bounds how long an unanswered offer counts for collisions.
	OfferTimeout time.Duration
	ValidateSDP  bool
	Now          func() time.Time
}

type pendingOffer struct {
	from string
	at   time.Time
}

type conversation struct {
	id       string
	lo, hi   string
	pending  *pendingOffer
	answered bool
}

func (c *conversation) peerOf(identity string) (string, bool) {
	switch identity {
	case c.lo:
		return c.hi, true
	case c.hi:
		return c.lo, true
	}
	return "", false
}

// Relay owns the conversation records of one namespace. Several relays may
// share one registry since their topics never overlap.
//
// Lock order: mu before the registry's lock.
type Relay struct {
	namespace string
	registry  *pubsub.Registry
	sockets   Sockets
	opts      Options

	mu            sync.Mutex
	conversations map[string]*conversation

	logger *slog.Logger
}

func NewRelay(namespace string, registry *pubsub.Registry, sockets Sockets, opts Options, logger *slog.Logger) *Relay {
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		namespace:     namespace,
		registry:      registry,
		sockets:       sockets,
		opts:          opts,
		conversations: make(map[string]*conversation),
		logger:        logger.With(slog.String("component", "signaling"), slog.String("namespace", namespace)),
	}
}

func (r *Relay) Namespace() string { return r.namespace }

// ConversationID is deterministic in the unordered pair {a, b}.
func ConversationID(namespace, a, b string) string {
	lo, hi := order(a, b)
	sum := blake3.Sum256([]byte(lo + "\x00" + hi))
	return namespace + ":" + hex.EncodeToString(sum[:])[:32]
}

// Polite reports whether self yields to peer on a collision. The identity
// that sorts lower is polite.
func Polite(self, peer string) bool {
	return self < peer
}

func order(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Owns reports whether topic belongs to this relay's namespace.
func (r *Relay) Owns(topic string) bool {
	return strings.HasPrefix(topic, r.namespace+":")
}

// Open registers the conversation between sender's identity and recipient,
// subscribes sender and answers it with <ns>_opened.
func (r *Relay) Open(sender transport.Socket, recipient string) (string, error) {
	self := sender.Identity()
	if recipient == "" || recipient == self {
		return "", ErrInvalidTarget
	}
	id := ConversationID(r.namespace, self, recipient)

	r.mu.Lock()
	conv, existed := r.conversations[id]
	if !existed {
		lo, hi := order(self, recipient)
		conv = &conversation{id: id, lo: lo, hi: hi}
		r.conversations[id] = conv
	}
	if _, err := r.registry.Subscribe(id, sender); err != nil {
		if !existed {
			delete(r.conversations, id)
		}
		r.mu.Unlock()
		return "", err
	}
	r.mu.Unlock()

	if !existed {
		r.logger.Debug("Conversation opened", slog.String("conversationId", id), slog.String("by", self))
	}
	r.send(sender, protocol.NewOpened(r.namespace, id, recipient))
	return id, nil
}

// Offer relays an SDP offer, resolving a collision with the peer's pending
// offer. A dropped offer is answered with <ns>_glare to the sender; a winning
// offer sends <ns>_glare to the polite side before it is relayed.
func (r *Relay) Offer(sender transport.Socket, id, sdp string) (Outcome, error) {
	if err := r.validate(webrtc.SDPTypeOffer, sdp); err != nil {
		return OfferRelayed, err
	}
	self := sender.Identity()
	now := r.opts.Now()

	r.mu.Lock()
	conv, peer, err := r.participantLocked(id, self)
	if err != nil {
		r.mu.Unlock()
		return OfferRelayed, err
	}

	outcome := OfferRelayed
	if p := conv.pending; p != nil && p.from == peer && now.Sub(p.at) < r.opts.OfferTimeout {
		if Polite(self, peer) {
			outcome = OfferDropped
		} else {
			outcome = OfferWon
		}
	}
	if outcome != OfferDropped {
		conv.pending = &pendingOffer{from: self, at: now}
		r.subscribePairLocked(conv, sender, peer)
	}
	r.mu.Unlock()

	switch outcome {
	case OfferDropped:
		r.logger.Debug("Glare: dropping polite offer", slog.String("conversationId", id), slog.String("polite", self))
		r.send(sender, protocol.NewGlare(r.namespace, id))
		return outcome, nil
	case OfferWon:
		r.logger.Debug("Glare: discarding polite pending offer", slog.String("conversationId", id), slog.String("polite", peer))
		r.sendToIdentityOnTopic(id, peer, protocol.NewGlare(r.namespace, id))
	}
	r.broadcast(id, protocol.NewRelayedDescription(r.namespace, protocol.VerbOffer, id, self, sdp), sender)
	return outcome, nil
}

// Answer relays an SDP answer and marks the conversation answered.
func (r *Relay) Answer(sender transport.Socket, id, sdp string) error {
	if err := r.validate(webrtc.SDPTypeAnswer, sdp); err != nil {
		return err
	}
	self := sender.Identity()

	r.mu.Lock()
	conv, peer, err := r.participantLocked(id, self)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	conv.pending = nil
	conv.answered = true
	r.subscribePairLocked(conv, sender, peer)
	r.mu.Unlock()

	r.broadcast(id, protocol.NewRelayedDescription(r.namespace, protocol.VerbAnswer, id, self, sdp), sender)
	return nil
}

// ICE relays a trickled candidate.
func (r *Relay) ICE(sender transport.Socket, id string, candidate webrtc.ICECandidateInit) error {
	self := sender.Identity()

	r.mu.Lock()
	conv, peer, err := r.participantLocked(id, self)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.subscribePairLocked(conv, sender, peer)
	r.mu.Unlock()

	r.broadcast(id, protocol.NewRelayedCandidate(r.namespace, id, self, candidate), sender)
	return nil
}

// Close notifies the remaining subscribers, unsubscribes sender and deletes
// the record once nobody is left on the topic.
func (r *Relay) Close(sender transport.Socket, id string) error {
	return r.end(sender, id, protocol.VerbClosed, false)
}

// Reject is Close restricted to conversations that were never answered.
func (r *Relay) Reject(sender transport.Socket, id string) error {
	return r.end(sender, id, protocol.VerbRejected, true)
}

func (r *Relay) end(sender transport.Socket, id, verb string, requireUnanswered bool) error {
	self := sender.Identity()

	r.mu.Lock()
	conv, _, err := r.participantLocked(id, self)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if requireUnanswered && conv.answered {
		r.mu.Unlock()
		return ErrInvalidState
	}
	conv.pending = nil
	r.mu.Unlock()

	r.broadcast(id, protocol.NewEnded(r.namespace, verb, id, self), sender)

	r.mu.Lock()
	r.registry.Unsubscribe(id, sender)
	r.collectLocked(id)
	r.mu.Unlock()
	return nil
}

// Collect deletes the record for topic if nobody is subscribed to it. It is
// called for every topic a closing socket was on.
func (r *Relay) Collect(topic string) bool {
	if !r.Owns(topic) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(topic)
}

func (r *Relay) collectLocked(id string) bool {
	if _, ok := r.conversations[id]; !ok {
		return false
	}
	if r.registry.HasSubscribers(id) {
		return false
	}
	delete(r.conversations, id)
	r.logger.Debug("Conversation collected", slog.String("conversationId", id))
	return true
}

// Has reports whether a record exists for id.
func (r *Relay) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conversations[id]
	return ok
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}

func (r *Relay) participantLocked(id, identity string) (*conversation, string, error) {
	conv, ok := r.conversations[id]
	if !ok {
		return nil, "", ErrNotParticipant
	}
	peer, ok := conv.peerOf(identity)
	if !ok {
		return nil, "", ErrNotParticipant
	}
	return conv, peer, nil
}

// subscribePairLocked puts the sending socket and every live socket of peer
// on the topic, so a peer that has not opened the conversation yet still
// receives what follows.
func (r *Relay) subscribePairLocked(conv *conversation, sender transport.Socket, peer string) {
	if _, err := r.registry.Subscribe(conv.id, sender); err != nil && !errors.Is(err, pubsub.ErrSocketClosed) {
		r.logger.Warn("Failed to subscribe sender", slog.String("conversationId", conv.id), slog.Any("error", err))
	}
	for _, s := range r.sockets.IdentityConnections(peer) {
		added, err := r.registry.Subscribe(conv.id, s)
		if err != nil {
			continue
		}
		if added {
			r.logger.Debug("Proactively subscribed peer socket", slog.String("conversationId", conv.id), slog.String("connID", s.ID().String()))
		}
	}
}

func (r *Relay) validate(typ webrtc.SDPType, sdp string) error {
	if !r.opts.ValidateSDP {
		return nil
	}
	desc := webrtc.SessionDescription{Type: typ, SDP: sdp}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return nil
}

func (r *Relay) broadcast(id string, frame any, exclude transport.Socket) {
	raw, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("Failed to encode signaling frame", slog.Any("error", err))
		return
	}
	r.registry.Broadcast(id, raw, exclude)
}

func (r *Relay) sendToIdentityOnTopic(id, identity string, frame any) {
	raw, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("Failed to encode signaling frame", slog.Any("error", err))
		return
	}
	for _, s := range r.registry.Subscribers(id) {
		if s.Identity() == identity && s.IsOpen() {
			_ = s.Send(raw)
		}
	}
}

func (r *Relay) send(s transport.Socket, frame any) {
	raw, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("Failed to encode signaling frame", slog.Any("error", err))
		return
	}
	if err := s.Send(raw); err != nil {
		r.logger.Debug("Signaling reply not delivered", slog.String("connID", s.ID().String()), slog.Any("error", err))
	}
}
