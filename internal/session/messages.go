package session

import (
	"partyquiz/internal/game"
	"partyquiz/internal/registry"
	"partyquiz/internal/types"
)

type Msg interface{ isSessionMsg() }

// Join registers an admitted connection with the session and triggers its
// initial view.
type Join struct {
	Conn *registry.Conn
}

func (Join) isSessionMsg() {}

type Leave struct {
	Conn *registry.Conn
}

func (Leave) isSessionMsg() {}

// ClientEvent is a decoded wire message from one connection.
type ClientEvent struct {
	Conn *registry.Conn
	Msg  types.ClientMessage
}

func (ClientEvent) isSessionMsg() {}

// TimerFired carries the generation it was armed with so stale fires are
// dropped after a superseding transition.
type TimerFired struct {
	Gen   int
	Event game.EventType
}

func (TimerFired) isSessionMsg() {}

// SequenceDone signals that the broadcast rollout for a round completed.
type SequenceDone struct {
	Index int
}

func (SequenceDone) isSessionMsg() {}

// GetView reflects internal state without data races; tests and the stats
// endpoint use it.
type GetView struct {
	Reply chan View
}

func (GetView) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type View struct {
	Version  int
	NumConns int
	State    game.State
}
