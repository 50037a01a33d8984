// Package input provides engine.Input implementations that do not touch a
// real mouse or keyboard.
package input

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/autocraft/internal/engine"
)

// Action is one recorded input call.
type Action struct {
	Kind   string             `json:"kind"` // "click" or "modifier"
	X      int                `json:"x,omitempty"`
	Y      int                `json:"y,omitempty"`
	Button engine.MouseButton `json:"button,omitempty"`
	Held   bool               `json:"held,omitempty"`
	At     time.Time          `json:"at"`
}

// Recorder logs and records every input request instead of performing it.
// It backs dry runs, where OCR text comes from a sidecar file.
type Recorder struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	actions []Action
	held    bool
}

// NewRecorder creates a Recorder. A nil logger falls back to slog.Default.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger, now: time.Now}
}

func (r *Recorder) MoveAndClick(ctx context.Context, x, y int, button engine.MouseButton) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	held := r.held
	r.actions = append(r.actions, Action{Kind: "click", X: x, Y: y, Button: button, At: r.now()})
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "click",
		slog.Int("x", x), slog.Int("y", y),
		slog.String("button", string(button)),
		slog.Bool("modifier_held", held),
	)
	return nil
}

// SetModifierKey records the change. Releasing an unheld key is recorded
// too so callers can see redundant releases.
func (r *Recorder) SetModifierKey(ctx context.Context, held bool) error {
	r.mu.Lock()
	r.held = held
	r.actions = append(r.actions, Action{Kind: "modifier", Held: held, At: r.now()})
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "modifier key", slog.Bool("held", held))
	return nil
}

// Held reports whether the modifier key is currently held.
func (r *Recorder) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Actions returns a copy of everything recorded so far.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

// Clicks counts the recorded clicks.
func (r *Recorder) Clicks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.Kind == "click" {
			n++
		}
	}
	return n
}
