package calls

import (
	"errors"
	"strings"
	"time"
)

// Completion is the terminal event for one provider call, as reported by the
// voice engine's status callback.
//
// The engine + call id pair is the billing reference: a completion delivered
// twice must settle once.
type Completion struct {
	Engine string `json:"engine"`
	CallID string `json:"call_id"`

	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Status CallStatus `json:"status"`

	// DurationSeconds is the connected duration reported by the engine.
	DurationSeconds int `json:"duration_seconds"`

	EndedAt time.Time `json:"ended_at"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

var ErrInvalidCompletion = errors.New("calls: invalid completion")

// NormalizeStatus maps engine status strings ("in-progress", "no-answer",
// "COMPLETED") onto CallStatus. Unknown values map to failed.
func NormalizeStatus(s string) CallStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	switch CallStatus(s) {
	case CallStatusQueued, CallStatusRinging, CallStatusInProgress, CallStatusCompleted,
		CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return CallStatus(s)
	case "cancelled":
		return CallStatusCanceled
	case "ended":
		return CallStatusCompleted
	}
	return CallStatusFailed
}

// Terminal reports whether no further events are expected for the call.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusQueued, CallStatusRinging, CallStatusInProgress:
		return false
	}
	return true
}

// Billable is true for terminal calls that actually connected.
func (c Completion) Billable() bool {
	return c.Status == CallStatusCompleted && c.DurationSeconds > 0
}

func (c Completion) Validate() error {
	if strings.TrimSpace(c.Engine) == "" || strings.TrimSpace(c.CallID) == "" || strings.TrimSpace(c.UserID) == "" {
		return ErrInvalidCompletion
	}
	if c.DurationSeconds < 0 {
		return ErrInvalidCompletion
	}
	return nil
}
