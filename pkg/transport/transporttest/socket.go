// Package transporttest provides an in-memory transport.Socket for tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type Socket struct {
	id       uuid.UUID
	identity string

	mu          sync.Mutex
	open        bool
	frames      [][]byte
	closeCode   websocket.StatusCode
	closeReason string
}

var _ transport.Socket = (*Socket)(nil)

func NewSocket(identity string) *Socket {
	return &Socket{id: uuid.New(), identity: identity, open: true}
}

func (s *Socket) ID() uuid.UUID    { return s.id }
func (s *Socket) Identity() string { return s.identity }

func (s *Socket) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return transport.ErrConnectionClosed
	}
	s.frames = append(s.frames, message)
	return nil
}

func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Socket) Close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	s.open = false
	s.closeCode = code
	s.closeReason = reason
}

func (s *Socket) CloseCode() websocket.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Frames returns every frame sent so far, decoded as JSON objects.
func (s *Socket) Frames() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, raw := range s.frames {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			m = map[string]any{"raw": string(raw)}
		}
		out = append(out, m)
	}
	return out
}

// FramesOfType filters Frames by their "type" field.
func (s *Socket) FramesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, f := range s.Frames() {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame, or nil.
func (s *Socket) Last() map[string]any {
	frames := s.Frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (s *Socket) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}
