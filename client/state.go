package client

import "fmt"

// State is the lifecycle position of a Handle
type State int

const (
	Closed State = iota
	Connecting
	Connected
	RequestSent
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case RequestSent:
		return "request-sent"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further data can be read in this state
func (s State) Terminal() bool {
	return s == Closed || s == Completed || s == Failed
}
