package api

import (
	"time"

	"gridserver/pkg/types"
)

// Event is the wrapper for everything pushed to dashboard clients over the
// WebSocket stream.
type Event struct {
	Type      string      `json:"type"` // "snapshot", "directive", "session", "hedge", "freeze"
	Timestamp time.Time   `json:"timestamp"`
	Side      string      `json:"side,omitempty"` // "buy"/"sell", empty for global events
	Data      interface{} `json:"data"`
}

// DirectiveEvent mirrors a non-WAIT directive sent to the agent.
type DirectiveEvent struct {
	Action  string  `json:"action"`
	Volume  float64 `json:"volume,omitempty"`
	Comment string  `json:"comment,omitempty"`
	Alert   bool    `json:"alert,omitempty"`
}

// SessionEvent marks a session lifecycle transition.
type SessionEvent struct {
	SessionID string  `json:"session_id"`
	Phase     string  `json:"phase"` // "started", "closing", "closed", "recycled", "external_close"
	StartRef  float64 `json:"start_ref,omitempty"`
}

// HedgeEvent marks a cross-hedge activation.
type HedgeEvent struct {
	LosingSide    string  `json:"losing_side"`
	AbsorbingSide string  `json:"absorbing_side"`
	Loss          float64 `json:"loss"`
	Lots          float64 `json:"lots"`
}

// FreezeEvent marks the engine entering the frozen state.
type FreezeEvent struct {
	Reason string `json:"reason"`
}

// NewDirectiveEvent wraps a directive for the stream.
func NewDirectiveEvent(side types.Side, d types.Directive) Event {
	alert := d.Alert != nil && *d.Alert
	return Event{
		Type:      "directive",
		Timestamp: time.Now(),
		Side:      string(side),
		Data: DirectiveEvent{
			Action:  string(d.Action),
			Volume:  d.Volume,
			Comment: d.Comment,
			Alert:   alert,
		},
	}
}

// NewSessionEvent wraps a session transition for the stream.
func NewSessionEvent(side types.Side, sessionID, phase string, startRef float64) Event {
	return Event{
		Type:      "session",
		Timestamp: time.Now(),
		Side:      string(side),
		Data:      SessionEvent{SessionID: sessionID, Phase: phase, StartRef: startRef},
	}
}

// NewHedgeEvent wraps a hedge activation for the stream.
func NewHedgeEvent(losing types.Side, loss, lots float64) Event {
	return Event{
		Type:      "hedge",
		Timestamp: time.Now(),
		Side:      string(losing),
		Data: HedgeEvent{
			LosingSide:    string(losing),
			AbsorbingSide: string(losing.Opposite()),
			Loss:          loss,
			Lots:          lots,
		},
	}
}

// NewFreezeEvent wraps a conflict freeze for the stream.
func NewFreezeEvent(reason string) Event {
	return Event{
		Type:      "freeze",
		Timestamp: time.Now(),
		Data:      FreezeEvent{Reason: reason},
	}
}
