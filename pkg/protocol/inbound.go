package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/pion/webrtc/v4"
	"github.com/tidwall/gjson"
)

// Frame is any decoded inbound frame.
type Frame interface {
	FrameType() string
}

type validator interface {
	Validate() error
}

// Header is embedded by every inbound frame so the "type" field is a known
// field under strict decoding.
type Header struct {
	Type string `json:"type"`
}

func (h Header) FrameType() string { return h.Type }

// Namespace is the signaling namespace of the frame, or "" for non-signaling frames.
func (h Header) Namespace() string {
	ns, _, _ := SplitSignal(h.Type)
	return ns
}

type Auth struct {
	Header
	Token string `json:"token"`
}

func (f *Auth) Validate() error {
	if f.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

type Ping struct {
	Header
}

// RoomRef is used by room_join, room_leave and typing.
type RoomRef struct {
	Header
	RoomID string `json:"roomId"`
}

func (f *RoomRef) Validate() error {
	return validateID("roomId", f.RoomID)
}

type StatusChange struct {
	Header
	Status      state.Status      `json:"status"`
	AwayMessage *string           `json:"awayMessage,omitempty"`
	Visibility  *state.Visibility `json:"visibility,omitempty"`
}

func (f *StatusChange) Validate() error {
	if !f.Status.Settable() {
		return fmt.Errorf("status %q cannot be set", f.Status)
	}
	if f.AwayMessage != nil && utf8.RuneCountInString(*f.AwayMessage) > MaxAwayMessageRunes {
		return fmt.Errorf("awayMessage exceeds %d characters", MaxAwayMessageRunes)
	}
	if f.Visibility != nil && !f.Visibility.Valid() {
		return fmt.Errorf("unknown visibility %q", *f.Visibility)
	}
	return nil
}

// Update converts the frame into a Presence Store update.
func (f *StatusChange) Update() state.StatusUpdate {
	return state.StatusUpdate{Status: f.Status, AwayMessage: f.AwayMessage, Visibility: f.Visibility}
}

type SyncCommunities struct {
	Header
	Communities []string `json:"communities"`
}

func (f *SyncCommunities) Validate() error {
	if len(f.Communities) > MaxCommunities {
		return fmt.Errorf("at most %d communities", MaxCommunities)
	}
	for _, c := range f.Communities {
		if err := validateID("communities", c); err != nil {
			return err
		}
	}
	return nil
}

// IdentityList is used by watch, unwatch and presence_query.
type IdentityList struct {
	Header
	DIDs []string `json:"dids"`
}

func (f *IdentityList) Validate() error {
	if len(f.DIDs) == 0 {
		return errors.New("dids must not be empty")
	}
	if len(f.DIDs) > MaxIdentitiesPerList {
		return fmt.Errorf("at most %d dids", MaxIdentitiesPerList)
	}
	for _, did := range f.DIDs {
		if err := validateID("dids", did); err != nil {
			return err
		}
	}
	return nil
}

// Open is <ns>_open.
type Open struct {
	Header
	Recipient string `json:"recipient"`
}

func (f *Open) Validate() error {
	return validateID("recipient", f.Recipient)
}

// Description is <ns>_offer and <ns>_answer.
type Description struct {
	Header
	ConversationID string `json:"conversationId"`
	SDP            string `json:"sdp"`
}

func (f *Description) Validate() error {
	if err := validateID("conversationId", f.ConversationID); err != nil {
		return err
	}
	if f.SDP == "" {
		return errors.New("sdp is required")
	}
	return nil
}

// Candidate is <ns>_ice.
type Candidate struct {
	Header
	ConversationID string                  `json:"conversationId"`
	Candidate      webrtc.ICECandidateInit `json:"candidate"`
}

func (f *Candidate) Validate() error {
	return validateID("conversationId", f.ConversationID)
}

// ConversationRef is <ns>_close and <ns>_reject.
type ConversationRef struct {
	Header
	ConversationID string `json:"conversationId"`
}

func (f *ConversationRef) Validate() error {
	return validateID("conversationId", f.ConversationID)
}

func validateID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > MaxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", field, MaxIDLength)
	}
	return nil
}

var inbound = map[string]func() Frame{
	TypeAuth:            func() Frame { return &Auth{} },
	TypePing:            func() Frame { return &Ping{} },
	TypeRoomJoin:        func() Frame { return &RoomRef{} },
	TypeRoomLeave:       func() Frame { return &RoomRef{} },
	TypeTyping:          func() Frame { return &RoomRef{} },
	TypeStatusChange:    func() Frame { return &StatusChange{} },
	TypeSyncCommunities: func() Frame { return &SyncCommunities{} },
	TypeWatch:           func() Frame { return &IdentityList{} },
	TypeUnwatch:         func() Frame { return &IdentityList{} },
	TypePresenceQuery:   func() Frame { return &IdentityList{} },
}

func init() {
	for _, ns := range Namespaces {
		inbound[SignalType(ns, VerbOpen)] = func() Frame { return &Open{} }
		inbound[SignalType(ns, VerbOffer)] = func() Frame { return &Description{} }
		inbound[SignalType(ns, VerbAnswer)] = func() Frame { return &Description{} }
		inbound[SignalType(ns, VerbICE)] = func() Frame { return &Candidate{} }
		inbound[SignalType(ns, VerbClose)] = func() Frame { return &ConversationRef{} }
		inbound[SignalType(ns, VerbReject)] = func() Frame { return &ConversationRef{} }
	}
}

// IsInbound reports whether frameType is a frame clients may send.
func IsInbound(frameType string) bool {
	_, ok := inbound[frameType]
	return ok
}

// PeekType returns the "type" field of raw without decoding the whole frame.
func PeekType(raw []byte) string {
	return gjson.GetBytes(raw, "type").String()
}

// Decode validates raw against the closed inbound schema. Failures are always
// a *Error with code invalid_format; unknown types carry the type as Ref.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, Errorf(CodeInvalidFormat, "frame is not valid JSON")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, Errorf(CodeInvalidFormat, "frame must be a JSON object")
	}
	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, Errorf(CodeInvalidFormat, "frame has no type")
	}

	ctor, ok := inbound[typ.Str]
	if !ok {
		return nil, Errorf(CodeInvalidFormat, "unknown frame type %q", typ.Str).WithRef(typ.Str)
	}
	frame := ctor()

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(frame); err != nil {
		return nil, Errorf(CodeInvalidFormat, "%v", err).WithRef(typ.Str)
	}
	if v, ok := frame.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, Errorf(CodeInvalidFormat, "%v", err).WithRef(typ.Str)
		}
	}
	return frame, nil
}
