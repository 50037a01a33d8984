package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

// LevelSuccess sits between info and warn so successful matches survive an
// info threshold but are still distinguishable from warnings.
const LevelSuccess = slog.LevelInfo + 2

// Sink receives every emitted line as a log event. The live event hub is
// the usual implementation.
type Sink interface {
	Publish(ctx context.Context, event schema.Event) error
}

// Emitter is the user-facing logger: every line goes to slog and, as a
// schema.Event of type "log", to each configured sink.
type Emitter struct {
	logger *slog.Logger
	sinks  []Sink
	now    func() time.Time
}

// NewEmitter creates an Emitter. A nil logger falls back to slog.Default.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger, sinks: sinks, now: time.Now}
}

// Emit logs msg at the given level. attrs are slog-style key/value pairs.
// Sink failures are reported on the slog logger and never returned.
func (e *Emitter) Emit(ctx context.Context, level schema.LogLevel, msg string, attrs ...any) {
	e.logger.Log(ctx, SlogLevel(level), msg, attrs...)
	if len(e.sinks) == 0 {
		return
	}

	ev := schema.Event{
		RunID:     RunID(ctx),
		Type:      schema.EventLog,
		Attempt:   Attempt(ctx),
		NodeID:    NodeID(ctx),
		Level:     level,
		Message:   msg,
		Timestamp: e.now().UTC(),
	}
	if len(attrs) > 0 {
		if raw, err := json.Marshal(attrMap(attrs)); err == nil {
			ev.Payload = raw
		}
	}
	for _, s := range e.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			e.logger.DebugContext(ctx, "log sink publish failed", "error", err)
		}
	}
}

// SlogLevel maps a user-facing level to its slog level. Unknown levels log
// at info.
func SlogLevel(level schema.LogLevel) slog.Level {
	switch level {
	case schema.LogDebug:
		return slog.LevelDebug
	case schema.LogWarning:
		return slog.LevelWarn
	case schema.LogError:
		return slog.LevelError
	case schema.LogSuccess:
		return LevelSuccess
	}
	return slog.LevelInfo
}

// ParseLevel converts a config string (debug, info, warn, error) to a slog
// level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger: a text or JSON handler on stderr,
// wrapped with correlation injection. The success level renders as SUCCESS.
// Pass a *slog.LevelVar to change the level at runtime.
func NewLogger(level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelSuccess {
					a.Value = slog.StringValue("SUCCESS")
				}
			}
			return a
		},
	}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

func attrMap(attrs []any) map[string]any {
	out := make(map[string]any, len(attrs)/2)
	for i := 0; i < len(attrs); i++ {
		switch v := attrs[i].(type) {
		case slog.Attr:
			out[v.Key] = v.Value.Any()
		case string:
			if i+1 < len(attrs) {
				out[v] = jsonSafe(attrs[i+1])
				i++
			} else {
				out["!BADKEY"] = v
			}
		default:
			out["!BADKEY"] = fmt.Sprint(v)
		}
	}
	return out
}

func jsonSafe(v any) any {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}
