package streaming

import (
	"context"

	"github.com/rendis/autocraft/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
// Zero values match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	// MinLevel drops log events below the given level. Non-log events
	// always pass.
	MinLevel schema.LogLevel `json:"min_level,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
