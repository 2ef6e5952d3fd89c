package protocol

import (
	"encoding/json"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/pion/webrtc/v4"
)

type AuthOK struct {
	Type         string `json:"type"`
	DID          string `json:"did"`
	ConnectionID string `json:"connectionId"`
}

func NewAuthOK(did, connectionID string) AuthOK {
	return AuthOK{Type: TypeAuthOK, DID: did, ConnectionID: connectionID}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong { return Pong{Type: TypePong} }

type PresenceEntry struct {
	DID         string       `json:"did"`
	Status      state.Status `json:"status"`
	AwayMessage string       `json:"awayMessage,omitempty"`
}

type Presence struct {
	Type string `json:"type"`
	PresenceEntry
}

func NewPresence(did string, status state.Status, awayMessage string) Presence {
	return Presence{Type: TypePresence, PresenceEntry: PresenceEntry{DID: did, Status: status, AwayMessage: awayMessage}}
}

type PresenceBulk struct {
	Type      string          `json:"type"`
	Presences []PresenceEntry `json:"presences"`
}

func NewPresenceBulk(entries []PresenceEntry) PresenceBulk {
	if entries == nil {
		entries = []PresenceEntry{}
	}
	return PresenceBulk{Type: TypePresenceBulk, Presences: entries}
}

type RoomJoined struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

func NewRoomJoined(roomID string, members []string) RoomJoined {
	if members == nil {
		members = []string{}
	}
	return RoomJoined{Type: TypeRoomJoined, RoomID: roomID, Members: members}
}

type RoomLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func NewRoomLeft(roomID string) RoomLeft {
	return RoomLeft{Type: TypeRoomLeft, RoomID: roomID}
}

// RoomEvent is room_member_left and the outbound typing frame.
type RoomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	DID    string `json:"did"`
}

func NewRoomMemberLeft(roomID, did string) RoomEvent {
	return RoomEvent{Type: TypeRoomMemberLeft, RoomID: roomID, DID: did}
}

func NewTyping(roomID, did string) RoomEvent {
	return RoomEvent{Type: TypeTyping, RoomID: roomID, DID: did}
}

type Opened struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Peer           string `json:"peer"`
}

func NewOpened(namespace, conversationID, peer string) Opened {
	return Opened{Type: SignalType(namespace, VerbOpened), ConversationID: conversationID, Peer: peer}
}

// RelayedDescription is an offer or answer forwarded to the other participant.
type RelayedDescription struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
	SDP            string `json:"sdp"`
}

func NewRelayedDescription(namespace, verb, conversationID, from, sdp string) RelayedDescription {
	return RelayedDescription{Type: SignalType(namespace, verb), ConversationID: conversationID, From: from, SDP: sdp}
}

type RelayedCandidate struct {
	Type           string                  `json:"type"`
	ConversationID string                  `json:"conversationId"`
	From           string                  `json:"from"`
	Candidate      webrtc.ICECandidateInit `json:"candidate"`
}

func NewRelayedCandidate(namespace, conversationID, from string, c webrtc.ICECandidateInit) RelayedCandidate {
	return RelayedCandidate{Type: SignalType(namespace, VerbICE), ConversationID: conversationID, From: from, Candidate: c}
}

// Ended is <ns>_closed and <ns>_rejected.
type Ended struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	By             string `json:"by"`
}

func NewEnded(namespace, verb, conversationID, by string) Ended {
	return Ended{Type: SignalType(namespace, verb), ConversationID: conversationID, By: by}
}

type Glare struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Polite         bool   `json:"polite"`
}

func NewGlare(namespace, conversationID string) Glare {
	return Glare{Type: SignalType(namespace, VerbGlare), ConversationID: conversationID, Polite: true}
}

// Encode serializes an outbound frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
