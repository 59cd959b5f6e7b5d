package call

import (
	"errors"
	"time"
)

var (
	// ErrBusy is returned when a call request conflicts with an existing call.
	ErrBusy = errors.New("call in progress")
	// ErrNoRingingCall is returned by Answer when nothing is ringing.
	ErrNoRingingCall = errors.New("no ringing call")
	// ErrCallFailed is returned when a dial attempt is rejected or torn down
	// before connecting.
	ErrCallFailed = errors.New("call failed")
	// ErrConnectTimeout is returned when a dial attempt never connects.
	ErrConnectTimeout = errors.New("call connect timeout")
	// ErrAborted is returned to a dial waiter whose call was hung up.
	ErrAborted = errors.New("call aborted")
	// ErrInvalidNumber is returned for an empty or unusable dial string.
	ErrInvalidNumber = errors.New("invalid number")
)

// State is the call state machine position. Exactly zero or one call exists
// at any time; the hardware has a single call leg.
type State int

const (
	// Idle means no call exists.
	Idle State = iota
	// Dialing means an outbound call is being attempted.
	Dialing
	// RingingInbound means an inbound call attempt is ringing.
	RingingInbound
	// Answering means the answer command for an inbound call is in flight.
	Answering
	// Connected means a call is established, either direction.
	Connected
	// HangingUp means the termination command is in flight.
	HangingUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Dialing:
		return "Dialing"
	case RingingInbound:
		return "RingingInbound"
	case Answering:
		return "Answering"
	case Connected:
		return "Connected"
	case HangingUp:
		return "HangingUp"
	default:
		return "Unknown"
	}
}

// Direction of the current call.
type Direction int

const (
	// DirectionNone means no call.
	DirectionNone Direction = iota
	// Inbound is a network-originated call.
	Inbound
	// Outbound is a locally placed call.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "incoming"
	case Outbound:
		return "outgoing"
	default:
		return "none"
	}
}

// Snapshot is a read-only copy of the machine state for status queries.
type Snapshot struct {
	State     State
	Number    string
	Direction Direction
	Connected bool
	RingCount int
	StartedAt time.Time
	Duration  time.Duration
}
