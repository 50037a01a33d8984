package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/autocraft/pkg/schema"
)

// TransitionHook is called before or after a run status transition.
// A before-hook error aborts the transition.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus) error

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusStopped, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusSucceeded, schema.RunStatusExhausted, schema.RunStatusStopped, schema.RunStatusFailed},
	schema.RunStatusSucceeded: {},
	schema.RunStatusExhausted: {},
	schema.RunStatusStopped:   {},
	schema.RunStatusFailed:    {},
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and records each one as a run
// event (run_started, run_succeeded, ...).
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM. A nil appender skips event recording.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the from -> to transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after the from -> to transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs the hooks and appends the status
// event. payload, when non-nil, is stored as the event payload.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := runHookKey{from, to}
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, runID, from, to); err != nil {
			return err
		}
	}

	if f.appender != nil {
		event := &schema.Event{RunID: runID, Type: schema.StatusEventType(to)}
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return schema.NewError(schema.ErrCodeStore, "marshal run event payload").WithCause(err)
			}
			event.Payload = raw
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(ctx, runID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}
