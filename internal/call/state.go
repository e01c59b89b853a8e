package call

// State of a call session.
//
//	Idle → (Outgoing | Incoming) → Connecting → Active → Ended
//
// Failed is reachable from any non-terminal state. Ended and Failed are
// terminal; the session is destroyed on entry.
type State int

const (
	// StateIdle means no call session exists.
	StateIdle State = iota
	// StateOutgoing means the local user initiated a call and the remote
	// side has not answered yet.
	StateOutgoing
	// StateIncoming means a remote ring or offer arrived and awaits the
	// local accept/reject decision.
	StateIncoming
	// StateConnecting means both sides accepted and negotiation is running.
	StateConnecting
	// StateActive means negotiation completed and media is flowing.
	StateActive
	// StateEnded means the call terminated normally, on either side.
	StateEnded
	// StateFailed means negotiation or transport failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state destroys the session.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}
