package engine

import (
	"context"
	"image"

	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/pkg/schema"
)

// MouseButton selects which button MoveAndClick presses.
type MouseButton string

const (
	ButtonLeft  MouseButton = "left"
	ButtonRight MouseButton = "right"
)

// Capability names used as circuit breaker keys.
const (
	CapabilityInput   = "input"
	CapabilityCapture = "capture"
	CapabilityOCR     = "ocr"
)

// Input simulates the mouse and the "hold while clicking" modifier key.
type Input interface {
	MoveAndClick(ctx context.Context, x, y int, button MouseButton) error
	SetModifierKey(ctx context.Context, held bool) error
}

// Capture grabs a screen region and derives the OCR preprocessing variants.
type Capture interface {
	GrabRegion(ctx context.Context, region schema.Region) (image.Image, error)
	Variants(img image.Image) ([]image.Image, error)
}

// OCR recognizes the text lines of one image.
type OCR interface {
	RecognizeLines(ctx context.Context, img image.Image) ([]schema.OCRLineCandidate, error)
}

// Logger receives user-facing log lines. Emit must not block the loop.
type Logger interface {
	Emit(ctx context.Context, level schema.LogLevel, msg string, attrs ...any)
}

// EventAppender persists run events. store.EventLog and store.LibSQLStore
// satisfy it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// History persists runs and attempts. store.LibSQLStore satisfies it.
type History interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	RecordAttempt(ctx context.Context, a *store.Attempt) error
}

// Capabilities bundles the collaborators the core drives.
type Capabilities struct {
	Input   Input
	Capture Capture
	OCR     OCR
	Logger  Logger
}

func (c Capabilities) validate() error {
	switch {
	case c.Input == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "input capability is required")
	case c.Capture == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "capture capability is required")
	case c.OCR == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "ocr capability is required")
	}
	return nil
}

type discardLogger struct{}

func (discardLogger) Emit(context.Context, schema.LogLevel, string, ...any) {}
