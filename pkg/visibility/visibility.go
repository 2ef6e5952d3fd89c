// Package visibility decides which status an observer may see for a presence
// owner. Everything here is pure; collaborator lookups happen in the caller.
package visibility

import "github.com/a-essam23/go-relay/pkg/state"

// Resolve maps a visibility policy and the owner's real status to the status
// shown to a requester with the given membership facts. An unknown policy
// resolves to offline.
func Resolve(policy state.Visibility, real state.Status, isGroupMember, isInnerCircle bool) state.Status {
	switch policy {
	case state.VisibilityEveryone:
		return real
	case state.VisibilityGroupMember:
		if isGroupMember {
			return real
		}
	case state.VisibilityInnerCircle:
		if isInnerCircle {
			return real
		}
	}
	return state.StatusOffline
}

// Facts are the observer-relative lookups gathered for one presence owner.
type Facts struct {
	// Blocked is true when the owner blocks the observer.
	Blocked     bool
	GroupMember bool
	InnerCircle bool
}

// View is what a single observer sees of a presence record.
type View struct {
	Status      state.Status
	AwayMessage string
}

// ForObserver applies the block short-circuit and then Resolve. The away
// message only survives when the observer sees a non-offline status.
func ForObserver(p state.Presence, f Facts) View {
	if f.Blocked {
		return View{Status: state.StatusOffline}
	}
	status := Resolve(p.Visibility, p.Status, f.GroupMember, f.InnerCircle)
	if status == state.StatusOffline {
		return View{Status: status}
	}
	return View{Status: status, AwayMessage: p.AwayMessage}
}
