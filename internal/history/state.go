package history

import (
	"errors"
	"fmt"
)

// State is the delivery stage of a tracked packet.
type State uint8

const (
	// Routing: a path is being chosen.
	Routing State = iota
	// AwaitingStatus: handed to the radio, waiting for its Status frame.
	AwaitingStatus
	// AwaitingAck: the next hop has the packet, waiting for the Ack.
	AwaitingAck
	// Retrying: the last attempt failed and another one is being made.
	Retrying
	// Resolved: acknowledged.
	Resolved
	// Failed: retries exhausted or no route.
	Failed
)

func (s State) String() string {
	switch s {
	case Routing:
		return "routing"
	case AwaitingStatus:
		return "awaiting-status"
	case AwaitingAck:
		return "awaiting-ack"
	case Retrying:
		return "retrying"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrTransition is returned for a state change the delivery protocol does
// not allow.
var ErrTransition = errors.New("history: invalid state transition")

var transitions = map[State][]State{
	Routing:        {AwaitingStatus, Failed},
	AwaitingStatus: {AwaitingAck, Retrying, Resolved, Failed},
	AwaitingAck:    {AwaitingStatus, Retrying, Resolved, Failed},
	Retrying:       {Routing, AwaitingStatus, Failed},
}

// CanTransition reports whether from may change to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends tracking.
func (s State) Terminal() bool {
	return s == Resolved || s == Failed
}
