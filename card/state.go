package card

import "fmt"

// State is the life cycle state of a Session.
type State int

const (
	Created State = iota
	PortEnabled
	Idle
	PresenceKnown
	ResetDone
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case PortEnabled:
		return "PortEnabled"
	case Idle:
		return "Idle"
	case PresenceKnown:
		return "PresenceKnown"
	case ResetDone:
		return "ResetDone"
	case Authenticated:
		return "Authenticated"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
