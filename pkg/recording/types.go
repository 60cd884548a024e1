package recording

import "time"

// Phase enumerates the lifecycle phases of a recording session as seen by
// subscribers. Only the session manager mutates it.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseActive    Phase = "active"
	PhaseSuspended Phase = "suspended"
	PhaseStopping  Phase = "stopping"
	PhaseError     Phase = "error"
)

// SessionType distinguishes what the captured audio is attached to.
type SessionType string

const (
	SessionTypeChat SessionType = "chat"
	SessionTypeNote SessionType = "note"
)

// State is the single public state value broadcast to subscribers on every
// transition. Subscribers must treat it as read-only.
type State struct {
	Phase               Phase
	Paused              bool
	TranscriptionPaused bool
	Err                 *SessionError
}

// ActiveMeta is the durable session metadata shared across client instances.
// It is written by whichever instance currently believes it owns the session
// and cleared only on explicit stop.
type ActiveMeta struct {
	SessionID  string      `json:"session_id"`
	OwnerTabID string      `json:"owner_tab_id"`
	StartedAt  int64       `json:"started_at"` // unix millis
	Type       SessionType `json:"type"`
	ChatID     string      `json:"chat_id,omitempty"`
	AgentName  string      `json:"agent_name,omitempty"`
	EventID    string      `json:"event_id,omitempty"`
}

// StartOptions carries the caller-supplied parameters for Start.
type StartOptions struct {
	Type                  SessionType
	ChatID                string
	AgentName             string
	EventID               string
	TranscriptionLanguage string
	VADAggressiveness     int
	ClientTimezone        string
}

// StateHandler receives every state transition, synchronously and in
// subscription order.
type StateHandler func(State)

// TranscriptionStatus is the out-of-band server notice that transcription was
// paused or resumed upstream. It does not affect connection health.
type TranscriptionStatus struct {
	Paused bool
	Reason string
}

// Clock abstracts wall-clock reads so coordination logic can be driven by a
// test double.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
