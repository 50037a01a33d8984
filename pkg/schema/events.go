package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the run history log and the live stream.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunExhausted = "run_exhausted"
	EventRunStopped   = "run_stopped"
	EventRunFailed    = "run_failed"

	EventAttemptStarted   = "attempt_started"
	EventAttemptCompleted = "attempt_completed"

	EventNodeEntered    = "node_entered"
	EventRegionChecked  = "region_checked"
	EventModifierFound  = "modifier_found"
	EventModifierKey    = "modifier_key"
	EventStopRequested  = "stop_requested"
	EventProgress       = "progress"
	EventLog            = "log"
	EventCapabilityOpen = "capability_circuit_open"
)

// Event is one entry of a run's history. Sequence is assigned by the store
// and increases monotonically per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Attempt   int             `json:"attempt,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Level     LogLevel        `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusEventType maps a terminal run status to its event type.
func StatusEventType(s RunStatus) string {
	switch s {
	case RunStatusSucceeded:
		return EventRunSucceeded
	case RunStatusExhausted:
		return EventRunExhausted
	case RunStatusStopped:
		return EventRunStopped
	case RunStatusFailed:
		return EventRunFailed
	}
	return EventRunStarted
}
