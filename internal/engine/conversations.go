package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/pubsub"
	"github.com/a-essam23/go-relay/pkg/signaling"
)

func (e *Engine) handleOpen(relay *signaling.Relay) pipeline.HandlerFunc {
	return func(c *pipeline.Cargo) error {
		recipient := c.Frame.(*protocol.Open).Recipient
		if recipient == c.Identity {
			return protocol.Errorf(protocol.CodeInvalidTarget, "cannot open a conversation with yourself")
		}
		if err := e.checkBlocked(c.Ctx, c.Identity, recipient); err != nil {
			return err
		}
		id, err := relay.Open(c.Conn, recipient)
		if err != nil {
			return signalingError(err)
		}
		c.Logger.Debug("Conversation open", slog.String("conversationId", id), slog.String("peer", recipient))
		return nil
	}
}

func (e *Engine) handleOffer(relay *signaling.Relay) pipeline.HandlerFunc {
	return func(c *pipeline.Cargo) error {
		frame := c.Frame.(*protocol.Description)
		outcome, err := relay.Offer(c.Conn, frame.ConversationID, frame.SDP)
		if err != nil {
			return signalingError(err)
		}
		if outcome != signaling.OfferRelayed {
			c.Logger.Debug("Offer collision", slog.String("conversationId", frame.ConversationID), slog.String("outcome", outcome.String()))
		}
		return nil
	}
}

func (e *Engine) handleAnswer(relay *signaling.Relay) pipeline.HandlerFunc {
	return func(c *pipeline.Cargo) error {
		frame := c.Frame.(*protocol.Description)
		return signalingError(relay.Answer(c.Conn, frame.ConversationID, frame.SDP))
	}
}

func (e *Engine) handleICE(relay *signaling.Relay) pipeline.HandlerFunc {
	return func(c *pipeline.Cargo) error {
		frame := c.Frame.(*protocol.Candidate)
		return signalingError(relay.ICE(c.Conn, frame.ConversationID, frame.Candidate))
	}
}

func (e *Engine) handleClose(relay *signaling.Relay) pipeline.HandlerFunc {
	return func(c *pipeline.Cargo) error {
		frame := c.Frame.(*protocol.ConversationRef)
		return signalingError(relay.Close(c.Conn, frame.ConversationID))
	}
}

func (e *Engine) handleReject(relay *signaling.Relay) pipeline.HandlerFunc {
	return func(c *pipeline.Cargo) error {
		frame := c.Frame.(*protocol.ConversationRef)
		return signalingError(relay.Reject(c.Conn, frame.ConversationID))
	}
}

// checkBlocked refuses a conversation when either side blocks the other.
// A block lookup that fails refuses it too.
func (e *Engine) checkBlocked(ctx context.Context, self, peer string) error {
	if e.lookups.Blocks == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.LookupTimeout)
	defer cancel()

	for _, pair := range [][2]string{{peer, self}, {self, peer}} {
		blocked, err := e.lookups.Blocks.DoesBlock(ctx, pair[0], pair[1])
		if err != nil {
			e.logger.Warn("Block lookup failed", slog.String("blocker", pair[0]), slog.String("target", pair[1]), slog.Any("error", err))
			return protocol.Errorf(protocol.CodeUnavailable, "block list unavailable")
		}
		if blocked {
			return protocol.Errorf(protocol.CodeBlocked, "conversation is blocked")
		}
	}
	return nil
}

// signalingError maps relay errors onto client error codes. A closed socket
// is not reported; teardown already owns it.
func signalingError(err error) error {
	switch {
	case err == nil, errors.Is(err, pubsub.ErrSocketClosed):
		return nil
	case errors.Is(err, signaling.ErrNotParticipant):
		return protocol.Errorf(protocol.CodeNotParticipant, "not a participant of this conversation")
	case errors.Is(err, signaling.ErrInvalidTarget):
		return protocol.Errorf(protocol.CodeInvalidTarget, "invalid conversation target")
	case errors.Is(err, signaling.ErrInvalidState):
		return protocol.Errorf(protocol.CodeInvalidState, "conversation was already answered")
	case errors.Is(err, signaling.ErrInvalidSDP):
		return protocol.Errorf(protocol.CodeInvalidFormat, "invalid session description")
	}
	return err
}
