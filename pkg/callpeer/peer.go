// Package callpeer is the client side of relay signaling: it drives one pion
// PeerConnection through offer/answer/ICE with the same polite/impolite rule
// the relay applies, and fails an outbound attempt that is never answered.
package callpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/signaling"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("callpeer: peer is closed")

// Signaler carries local descriptions and candidates to the remote peer,
// normally as <ns>_offer, <ns>_answer and <ns>_ice frames.
type Signaler interface {
	SendOffer(ctx context.Context, sdp string) error
	SendAnswer(ctx context.Context, sdp string) error
	SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
}

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswered
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswered:
		return "answered"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	// AttemptTimeout bounds how long an outbound offer may wait for an answer.
	AttemptTimeout time.Duration
	ICEServers     []webrtc.ICEServer
	// Prepare adds tracks or data channels to every new PeerConnection.
	// By default a single data channel is created so offers carry an m-line.
	Prepare func(pc *webrtc.PeerConnection) error
}

type Peer struct {
	self, remote string
	signaler     Signaler
	opts         Options
	api          *webrtc.API

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	state      State
	attempt    uint64
	timer      *time.Timer
	candidates []webrtc.ICECandidateInit

	logger *slog.Logger
}

func New(self, remote string, signaler Signaler, opts Options, logger *slog.Logger) *Peer {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.Prepare == nil {
		opts.Prepare = func(pc *webrtc.PeerConnection) error {
			_, err := pc.CreateDataChannel("relay", nil)
			return err
		}
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &Peer{
		self:     self,
		remote:   remote,
		signaler: signaler,
		opts:     opts,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger:   logger.With(slog.String("component", "callpeer"), slog.String("self", self), slog.String("remote", remote)),
	}
}

// Polite reports whether this side yields on an offer collision.
func (p *Peer) Polite() bool {
	return signaling.Polite(p.self, p.remote)
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ConnectionState is the state of the current PeerConnection, or Closed when
// there is none.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.pc.ConnectionState()
}

// Call starts an outbound attempt. If no answer arrives within
// AttemptTimeout the PeerConnection is closed and the peer becomes Failed.
func (p *Peer) Call(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.resetLocked()
	pc, err := p.newPeerConnectionLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		p.closePCLocked()
		p.mu.Unlock()
		return fmt.Errorf("creating local offer: %w", err)
	}
	p.state = StateOffering
	p.attempt++
	attempt := p.attempt
	p.timer = time.AfterFunc(p.opts.AttemptTimeout, func() { p.expire(attempt) })
	p.mu.Unlock()

	if err := p.signaler.SendOffer(ctx, offer.SDP); err != nil {
		p.fail(attempt)
		return fmt.Errorf("sending offer: %w", err)
	}
	p.logger.Debug("Offer sent")
	return nil
}

// HandleOffer processes a remote offer. When it collides with our own
// outstanding offer the impolite side ignores it and the polite side drops
// its attempt and answers. It reports whether the offer was accepted.
func (p *Peer) HandleOffer(ctx context.Context, sdp string) (bool, error) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	if p.state == StateOffering {
		if !p.Polite() {
			p.mu.Unlock()
			p.logger.Debug("Ignoring colliding offer")
			return false, nil
		}
		p.logger.Debug("Collision: discarding own offer")
		p.resetLocked()
	}
	pc := p.pc
	if pc != nil && pc.RemoteDescription() != nil {
		p.resetLocked()
		pc = nil
	}
	if pc == nil {
		var err error
		if pc, err = p.newPeerConnectionLocked(); err != nil {
			p.mu.Unlock()
			return false, err
		}
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		p.mu.Unlock()
		return false, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.mu.Unlock()
		return false, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		p.mu.Unlock()
		return false, fmt.Errorf("setting local description: %w", err)
	}
	p.state = StateAnswered
	p.flushCandidatesLocked()
	p.mu.Unlock()

	if err := p.signaler.SendAnswer(ctx, answer.SDP); err != nil {
		return true, fmt.Errorf("sending answer: %w", err)
	}
	return true, nil
}

// HandleAnswer completes an outbound attempt.
func (p *Peer) HandleAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOffering {
		p.logger.Debug("Ignoring unexpected answer", slog.String("state", p.state.String()))
		return nil
	}
	p.stopTimerLocked()
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	p.state = StateAnswered
	p.flushCandidatesLocked()
	return nil
}

// HandleGlare processes the relay's notice that our pending offer was
// discarded. The peer's offer follows and is answered by HandleOffer.
func (p *Peer) HandleGlare() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOffering {
		return
	}
	p.logger.Debug("Relay discarded our offer")
	p.resetLocked()
}

// HandleCandidate adds a remote candidate, buffering it until a remote
// description is in place.
func (p *Peer) HandleCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil || p.pc.RemoteDescription() == nil {
		p.candidates = append(p.candidates, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return nil
	}
	p.resetLocked()
	p.candidates = nil
	p.state = StateClosed
	return nil
}

func (p *Peer) expire(attempt uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempt != attempt || p.state != StateOffering {
		return
	}
	p.logger.Warn("Call attempt timed out", slog.Duration("timeout", p.opts.AttemptTimeout))
	p.closePCLocked()
	p.state = StateFailed
}

func (p *Peer) fail(attempt uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempt != attempt {
		return
	}
	p.stopTimerLocked()
	p.closePCLocked()
	p.state = StateFailed
}

func (p *Peer) newPeerConnectionLocked() (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	if err := p.opts.Prepare(pc); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("preparing PeerConnection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.signaler.SendCandidate(context.Background(), c.ToJSON()); err != nil {
			p.logger.Debug("Failed to send candidate", slog.Any("error", err))
		}
	})
	p.pc = pc
	return pc, nil
}

func (p *Peer) flushCandidatesLocked() {
	for _, c := range p.candidates {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("Dropping buffered candidate", slog.Any("error", err))
		}
	}
	p.candidates = nil
}

// resetLocked drops the current attempt. Buffered remote candidates are kept
// since they belong to the remote side's session.
func (p *Peer) resetLocked() {
	p.stopTimerLocked()
	p.closePCLocked()
	p.state = StateIdle
}

func (p *Peer) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Peer) closePCLocked() {
	if p.pc == nil {
		return
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Debug("Closing PeerConnection", slog.Any("error", err))
	}
	p.pc = nil
}
