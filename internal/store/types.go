package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

// Run is the persisted representation of one attempt loop run.
type Run struct {
	ID              string           `json:"id"`
	FlowName        string           `json:"flow_name,omitempty"`
	Flow            schema.FlowGraph `json:"flow"`
	Status          schema.RunStatus `json:"status"`
	MaxAttempts     int              `json:"max_attempts"`
	Attempts        int              `json:"attempts"`
	Found           bool             `json:"found"`
	MatchedModifier json.RawMessage  `json:"matched_modifier,omitempty"`
	DetectedText    string           `json:"detected_text,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Result folds the row back into the loop's result type.
func (r *Run) Result() schema.AttemptResult {
	res := schema.AttemptResult{
		Found:        r.Found,
		DetectedText: r.DetectedText,
		Attempts:     r.Attempts,
		Status:       r.Status,
		RunID:        r.ID,
	}
	if len(r.MatchedModifier) > 0 {
		var m schema.ModifierSpec
		if json.Unmarshal(r.MatchedModifier, &m) == nil {
			res.MatchedModifier = &m
		}
	}
	if r.StartedAt != nil && r.CompletedAt != nil {
		res.DurationMs = r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	}
	return res
}

// Attempt is one completed traversal of the flow graph.
type Attempt struct {
	RunID        string                          `json:"run_id"`
	Number       int                             `json:"number"`
	Found        bool                            `json:"found"`
	DetectedText string                          `json:"detected_text,omitempty"`
	Lines        []schema.NormalizedModifierLine `json:"lines,omitempty"`
	DurationMs   int64                           `json:"duration_ms"`
	CreatedAt    time.Time                       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left alone.
type RunUpdate struct {
	Status          *schema.RunStatus    `json:"status,omitempty"`
	Attempts        *int                 `json:"attempts,omitempty"`
	Found           *bool                `json:"found,omitempty"`
	MatchedModifier *schema.ModifierSpec `json:"matched_modifier,omitempty"`
	DetectedText    *string              `json:"detected_text,omitempty"`
	Error           *string              `json:"error,omitempty"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for querying events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
