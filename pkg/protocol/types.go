// Package protocol defines the closed set of JSON frames exchanged over the
// relay socket. Every frame is one JSON object whose "type" field is the
// discriminant.
package protocol

import "strings"

const (
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
	TypeRoomJoin        = "room_join"
	TypeRoomLeave       = "room_leave"
	TypeRoomJoined      = "room_joined"
	TypeRoomLeft        = "room_left"
	TypeRoomMemberLeft  = "room_member_left"
	TypeStatusChange    = "status_change"
	TypeSyncCommunities = "sync_communities"
	TypeWatch           = "watch"
	TypeUnwatch         = "unwatch"
	TypePresenceQuery   = "presence_query"
	TypePresence        = "presence"
	TypePresenceBulk    = "presence_bulk"
	TypeTyping          = "typing"
)

// Signaling namespaces. Each has its own topic space and frame prefix.
const (
	NamespaceDM   = "dm"
	NamespaceCall = "call"
)

// Signaling verbs, combined with a namespace by SignalType.
const (
	VerbOpen     = "open"
	VerbOpened   = "opened"
	VerbOffer    = "offer"
	VerbAnswer   = "answer"
	VerbICE      = "ice"
	VerbClose    = "close"
	VerbClosed   = "closed"
	VerbReject   = "reject"
	VerbRejected = "rejected"
	VerbGlare    = "glare"
)

// Namespaces lists every signaling namespace in registration order.
var Namespaces = []string{NamespaceDM, NamespaceCall}

// SignalType builds a namespaced frame type such as "dm_offer".
func SignalType(namespace, verb string) string {
	return namespace + "_" + verb
}

// SplitSignal is the inverse of SignalType for known namespaces.
func SplitSignal(frameType string) (namespace, verb string, ok bool) {
	ns, verb, found := strings.Cut(frameType, "_")
	if !found {
		return "", "", false
	}
	for _, known := range Namespaces {
		if ns == known {
			return ns, verb, true
		}
	}
	return "", "", false
}

// Limits applied while validating inbound frames.
const (
	MaxIDLength          = 256
	MaxAwayMessageRunes  = 256
	MaxIdentitiesPerList = 200
	MaxCommunities       = 500
)
