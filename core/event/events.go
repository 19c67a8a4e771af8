package event

import "fmt"

// EventType classifies a readiness event by the kind of descriptor it fired on.
type EventType int

const (
	// EVENT_TYPE_ACCEPT fires on a listening TCP socket.
	EVENT_TYPE_ACCEPT EventType = iota
	// EVENT_TYPE_RECVMSG fires on a bound UDP socket.
	EVENT_TYPE_RECVMSG
	// EVENT_TYPE_READ fires on an accepted connection with data or EOF pending.
	EVENT_TYPE_READ
	// EVENT_TYPE_HANGUP fires on an accepted connection with only an error or hangup.
	EVENT_TYPE_HANGUP
	EVENT_TYPE_LAST
)

func (et EventType) String() string {
	switch et {
	case EVENT_TYPE_ACCEPT:
		return "EVENT_TYPE_ACCEPT"
	case EVENT_TYPE_RECVMSG:
		return "EVENT_TYPE_RECVMSG"
	case EVENT_TYPE_READ:
		return "EVENT_TYPE_READ"
	case EVENT_TYPE_HANGUP:
		return "EVENT_TYPE_HANGUP"
	default:
		return fmt.Sprintf("UNKNOWN: %d", et)
	}
}

// Classify maps a ready descriptor to its event type.
func Classify(listening, datagram, readable bool) EventType {
	switch {
	case listening && datagram:
		return EVENT_TYPE_RECVMSG
	case listening:
		return EVENT_TYPE_ACCEPT
	case readable:
		return EVENT_TYPE_READ
	default:
		return EVENT_TYPE_HANGUP
	}
}
