package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/autocraft/pkg/schema"
)

// Publisher receives every event after it has been persisted.
type Publisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

// EventLog persists run events and forwards them to live publishers.
// It is the event sink handed to the attempt loop.
type EventLog struct {
	store      Store
	publishers []Publisher
	logger     *slog.Logger
}

// NewEventLog wraps a Store. Publishers see events with their assigned
// sequence numbers.
func NewEventLog(s Store, publishers ...Publisher) *EventLog {
	return &EventLog{store: s, publishers: publishers, logger: slog.Default()}
}

// WithLogger sets the logger used to report publisher failures.
func (el *EventLog) WithLogger(l *slog.Logger) *EventLog {
	if l != nil {
		el.logger = l
	}
	return el
}

// AppendEvent persists the event and then publishes it. A publish failure
// is logged and does not fail the append.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	for _, p := range el.publishers {
		if err := p.Publish(ctx, *event); err != nil {
			el.logger.DebugContext(ctx, "event publish failed", "run_id", event.RunID, "type", event.Type, "error", err)
		}
	}
	return nil
}

// Publish lets the EventLog act as a log sink. Events without a run ID
// are forwarded but not persisted.
func (el *EventLog) Publish(ctx context.Context, event schema.Event) error {
	if event.RunID == "" {
		for _, p := range el.publishers {
			_ = p.Publish(ctx, event)
		}
		return nil
	}
	return el.AppendEvent(ctx, &event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// RunSummary is a run's state rebuilt purely from its event history.
type RunSummary struct {
	RunID        string           `json:"run_id"`
	Status       schema.RunStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	Found        bool             `json:"found"`
	MatchedNode  string           `json:"matched_node,omitempty"`
	DetectedText string           `json:"detected_text,omitempty"`
	NodeVisits   map[string]int   `json:"node_visits"`
	Warnings     int              `json:"warnings"`
	Errors       int              `json:"errors"`
	LastSequence int64            `json:"last_sequence"`
}

// ReplayRun folds a run's events into a RunSummary.
// Returns a STORE_ERROR if the sequence has gaps.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (*RunSummary, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	sum := &RunSummary{RunID: runID, Status: schema.RunStatusPending, NodeVisits: make(map[string]int)}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		sum.LastSequence = e.Sequence

		switch e.Type {
		case schema.EventRunStarted:
			sum.Status = schema.RunStatusRunning
		case schema.EventAttemptStarted:
			if e.Attempt > sum.Attempts {
				sum.Attempts = e.Attempt
			}
		case schema.EventNodeEntered:
			sum.NodeVisits[e.NodeID]++
		case schema.EventModifierFound:
			sum.Found = true
			sum.MatchedNode = e.NodeID
			var p struct {
				DetectedText string `json:"detected_text"`
			}
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil {
				sum.DetectedText = p.DetectedText
			}
		case schema.EventRunSucceeded:
			sum.Status = schema.RunStatusSucceeded
		case schema.EventRunExhausted:
			sum.Status = schema.RunStatusExhausted
		case schema.EventRunStopped:
			sum.Status = schema.RunStatusStopped
		case schema.EventRunFailed:
			sum.Status = schema.RunStatusFailed
		case schema.EventLog:
			switch e.Level {
			case schema.LogWarning:
				sum.Warnings++
			case schema.LogError:
				sum.Errors++
			}
		}
	}
	return sum, nil
}
