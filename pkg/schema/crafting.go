package schema

import "time"

// OCRLineCandidate is one text line recognized in one image variant.
// Confidence is in [0, 100].
type OCRLineCandidate struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NormalizedModifierLine is a deduplicated, filtered OCR line.
type NormalizedModifierLine struct {
	OriginalText   string  `json:"original_text"`
	NormalizedText string  `json:"normalized_text"`
	Confidence     float64 `json:"confidence"`
}

// AttemptResult is the terminal outcome of an attempt loop run.
type AttemptResult struct {
	Found           bool          `json:"found"`
	MatchedModifier *ModifierSpec `json:"matched_modifier,omitempty"`
	DetectedText    string        `json:"detected_text,omitempty"`
	Attempts        int           `json:"attempts"`
	DurationMs      int64         `json:"duration_ms"`
	Status          RunStatus     `json:"status"`
	RunID           string        `json:"run_id,omitempty"`
}

// Duration returns DurationMs as a time.Duration.
func (r AttemptResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// RunStatus represents the lifecycle state of an attempt loop run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusExhausted RunStatus = "exhausted"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusExhausted, RunStatusStopped, RunStatusFailed:
		return true
	}
	return false
}

// LogLevel is the severity of a user-facing log line.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)
