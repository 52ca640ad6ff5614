// Package streaming defines the JSON envelopes exchanged over WebSocket:
// the /api/stream feed served to viewers and the relay to a remote collector.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeLogEntry     = "log_entry"
	TypeHistory      = "history"
	TypeSessionState = "session_state"
	TypeFix          = "fix"
	TypeHistoryClear = "history_clear"
	TypeAck          = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// FixPayload is one fix on the wire.
type FixPayload struct {
	ObservedAt time.Time `json:"observedAt"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Accuracy   float32   `json:"accuracy,omitempty"`
	Provider   string    `json:"provider,omitempty"`
}

// HistoryPayload is a whole history snapshot.
type HistoryPayload struct {
	Fixes []FixPayload `json:"fixes"`
}

// LogEntryPayload carries one event log entry and its display line.
type LogEntryPayload struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	IsError bool      `json:"isError"`
	Line    string    `json:"line"`
}

// SessionStatePayload mirrors the coordinator status.
type SessionStatePayload struct {
	State     string    `json:"state"`
	Failure   string    `json:"failure,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Since     time.Time `json:"since"`
	Fixes     uint64    `json:"fixes"`
	Restarts  uint64    `json:"restarts"`
}

// NewFixPayload converts a fix.
func NewFixPayload(f core.Fix) FixPayload {
	return FixPayload{
		ObservedAt: f.ObservedAt.UTC(),
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Altitude:   f.Altitude,
		Accuracy:   f.Accuracy,
		Provider:   f.Provider,
	}
}

// Fix converts back to a core.Fix.
func (p FixPayload) Fix() core.Fix {
	return core.Fix{
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Altitude:   p.Altitude,
		ObservedAt: p.ObservedAt,
		Accuracy:   p.Accuracy,
		Provider:   p.Provider,
	}
}

// NewHistoryPayload converts a snapshot, keeping its order.
func NewHistoryPayload(fixes []core.Fix) HistoryPayload {
	out := HistoryPayload{Fixes: make([]FixPayload, len(fixes))}
	for i, f := range fixes {
		out.Fixes[i] = NewFixPayload(f)
	}
	return out
}

// Encode marshals payload into an envelope of type typ.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	b, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return b, nil
}

// Decode unmarshals an envelope's payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
