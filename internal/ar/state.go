package ar

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/cyclic"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateEstablished
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateError:
		return "ERROR"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ParseState(s string) (State, error) {
	for st := StateIdle; st <= StateAborted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown ar state %q", s)
}

var validTransitions = map[State][]State{
	StateIdle:        {StateConnecting},
	StateConnecting:  {StateEstablished, StateError, StateAborted},
	StateEstablished: {StateError, StateAborted},
	StateError:       {StateIdle},
	StateAborted:     {StateConnecting},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

// Event is emitted on every state change.
type Event struct {
	RTU      string              `json:"rtu"`
	State    State               `json:"state"`
	Previous State               `json:"previous"`
	Reason   types.FailureReason `json:"reason,omitempty"`
	Hint     string              `json:"hint,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	ARUUID   uuid.UUID           `json:"ar_uuid"`
	Time     time.Time           `json:"time"`
}

// AlarmEvent carries a raw alarm payload, or a diagnostic text for
// acyclic failures that do not change the AR state.
type AlarmEvent struct {
	RTU        string          `json:"rtu"`
	ARUUID     uuid.UUID       `json:"ar_uuid"`
	FrameID    uint16          `json:"frame_id,omitempty"`
	High       bool            `json:"high,omitempty"`
	Header     codec.RTAHeader `json:"header"`
	Payload    []byte          `json:"payload,omitempty"`
	Diagnostic string          `json:"diagnostic,omitempty"`
	Time       time.Time       `json:"time"`
}

// EventSink receives state changes and alarms of every controller.
type EventSink interface {
	ARStateChanged(Event)
	AlarmReceived(AlarmEvent)
}

// Snapshot is a read-only copy of one AR.
type Snapshot struct {
	RTU              string              `json:"rtu"`
	StationName      string              `json:"station_name"`
	State            State               `json:"state"`
	Reason           types.FailureReason `json:"reason,omitempty"`
	Hint             string              `json:"hint,omitempty"`
	Detail           string              `json:"detail,omitempty"`
	ARUUID           uuid.UUID           `json:"ar_uuid"`
	SessionKey       uint16              `json:"session_key"`
	InputFrameID     uint16              `json:"input_frame_id"`
	OutputFrameID    uint16              `json:"output_frame_id"`
	SendClockFactor  uint16              `json:"send_clock_factor"`
	ReductionRatio   uint16              `json:"reduction_ratio"`
	WatchdogFactor   uint16              `json:"watchdog_factor"`
	CycleTime        time.Duration       `json:"cycle_time"`
	ApplicationReady bool                `json:"application_ready"`
	Run              bool                `json:"run"`
	Diagnostics      []string            `json:"diagnostics,omitempty"`
	LastChange       time.Time           `json:"last_change"`
	Stats            *cyclic.Stats       `json:"stats,omitempty"`
}
