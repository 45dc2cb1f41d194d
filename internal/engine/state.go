// Package engine runs the story session: one generation at a time, streamed
// into the document, followed by compaction and bible maintenance.
package engine

import (
	"errors"
	"fmt"
)

// State is the session lifecycle.
type State uint8

const (
	Idle State = iota
	Requesting
	Streaming
	Finished
	Cancelled
	Errored
	Maintaining // compaction, bible update or ideas call in flight
)

var stateNames = [...]string{"idle", "requesting", "streaming", "finished", "cancelled", "errored", "maintaining"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var (
	// ErrBusy is returned when a control is used while the session is not idle.
	ErrBusy = errors.New("session busy")
	// ErrUnknownOption names an option that does not exist.
	ErrUnknownOption = errors.New("unknown option")
	// ErrBadOptionValue is a value the option cannot take.
	ErrBadOptionValue = errors.New("bad option value")
)
