package transport

// State is the lifecycle position of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
