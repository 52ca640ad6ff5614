package session

import (
	"strconv"
	"time"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/pkg/streaming"
)

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateActive
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Running reports whether a session is configuring or active.
func (s State) Running() bool {
	return s == StateConfiguring || s == StateActive
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State      State
	Failure    acquisition.FailType // set when State is StateFailed
	Phase      string
	SessionID  string
	Generation uint64
	Since      time.Time
	Fixes      uint64
	Restarts   uint64
	LastFix    time.Time
}

// Payload is the wire form streamed to viewers and the relay.
func (s Status) Payload() streaming.SessionStatePayload {
	p := streaming.SessionStatePayload{
		State:     s.State.String(),
		Phase:     s.Phase,
		SessionID: s.SessionID,
		Since:     s.Since,
		Fixes:     s.Fixes,
		Restarts:  s.Restarts,
	}
	if s.State == StateFailed {
		p.Failure = s.Failure.String()
	}
	return p
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func ftoa(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}
