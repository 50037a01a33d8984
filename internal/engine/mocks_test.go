package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

type click struct {
	X, Y   int
	Button MouseButton
}

// fakeInput records clicks and modifier key changes.
type fakeInput struct {
	mu         sync.Mutex
	clicks     []click
	keys       []bool
	clickCalls int
	clickErr   error
	keyErr     error
	onClick    func(n int)
}

func (f *fakeInput) MoveAndClick(_ context.Context, x, y int, b MouseButton) error {
	f.mu.Lock()
	f.clickCalls++
	if f.clickErr != nil {
		f.mu.Unlock()
		return f.clickErr
	}
	f.clicks = append(f.clicks, click{x, y, b})
	n := len(f.clicks)
	hook := f.onClick
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeInput) SetModifierKey(_ context.Context, held bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyErr != nil {
		return f.keyErr
	}
	f.keys = append(f.keys, held)
	return nil
}

func (f *fakeInput) Clicks() []click {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]click(nil), f.clicks...)
}

func (f *fakeInput) ClickCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clickCalls
}

func (f *fakeInput) Keys() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.keys...)
}

// fakeCapture returns a tiny image and tags each variant with its index in
// the top-left pixel so fakeOCR can tell them apart.
type fakeCapture struct {
	mu      sync.Mutex
	grabs   int
	grabErr error
	// failFor limits grabErr to the first N grabs. Zero fails every grab.
	failFor  int
	variants int
}

func (f *fakeCapture) GrabRegion(_ context.Context, _ schema.Region) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grabs++
	if f.grabErr != nil && (f.failFor == 0 || f.grabs <= f.failFor) {
		return nil, f.grabErr
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (f *fakeCapture) Variants(img image.Image) ([]image.Image, error) {
	n := f.variants
	if n == 0 {
		n = 2
	}
	out := make([]image.Image, n)
	for i := range out {
		g := image.NewGray(img.Bounds())
		g.SetGray(0, 0, color.Gray{Y: uint8(i)})
		out[i] = g
	}
	return out, nil
}

func (f *fakeCapture) Grabs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grabs
}

func variantIndex(img image.Image) int {
	return int(img.(*image.Gray).GrayAt(0, 0).Y)
}

// fakeOCR answers per variant index. delays lets tests reorder completion.
type fakeOCR struct {
	mu     sync.Mutex
	calls  int
	lines  map[int][]schema.OCRLineCandidate
	delays map[int]time.Duration
	err    error
	errFor map[int]error
}

func (f *fakeOCR) RecognizeLines(ctx context.Context, img image.Image) ([]schema.OCRLineCandidate, error) {
	idx := variantIndex(img)
	f.mu.Lock()
	f.calls++
	d := f.delays[idx]
	err := f.err
	if e, ok := f.errFor[idx]; ok {
		err = e
	}
	lines := f.lines[idx]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (f *fakeOCR) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type logLine struct {
	Level schema.LogLevel
	Msg   string
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (r *recordingLogger) Emit(_ context.Context, level schema.LogLevel, msg string, attrs ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, logLine{level, fmt.Sprint(append([]any{msg}, attrs...)...)})
}

func (r *recordingLogger) Has(level schema.LogLevel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if l.Level == level {
			return true
		}
	}
	return false
}

// Count returns how many lines start with msg.
func (r *recordingLogger) Count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if strings.HasPrefix(l.Msg, msg) {
			n++
		}
	}
	return n
}

// memAppender records appended events.
type memAppender struct {
	mu     sync.Mutex
	events []*schema.Event
	err    error
}

func (m *memAppender) AppendEvent(_ context.Context, e *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memAppender) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *memAppender) Count(eventType string) int {
	n := 0
	for _, t := range m.Types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func intPtr(v int) *int { return &v }

func line(text string, conf float64) schema.OCRLineCandidate {
	return schema.OCRLineCandidate{Text: text, Confidence: conf}
}

// spellCheck is a checkRegion looking for +5..7 to all spell skills.
func spellCheck(id string) schema.Node {
	return schema.Node{ID: id, Kind: schema.NodeKindCheckRegion, Data: schema.StepData{
		Region: &schema.Region{X: 600, Y: 200, Width: 400, Height: 180},
		Modifiers: []schema.ModifierSpec{
			{Pattern: "+# to Level of all Spell Skills", MinValue: intPtr(5), MaxValue: intPtr(7), UseRange: true},
		},
	}}
}

// selfLoopFlow is start -> check, check -true-> end, check -false-> check.
func selfLoopFlow() schema.FlowGraph {
	return schema.FlowGraph{
		Name: "self loop",
		Nodes: []schema.Node{
			{ID: schema.StartNodeID, Kind: schema.NodeKindStart},
			spellCheck("check"),
			{ID: schema.EndNodeID, Kind: schema.NodeKindEnd},
		},
		Edges: []schema.Edge{
			{Source: schema.StartNodeID, Target: "check"},
			{Source: "check", Target: schema.EndNodeID, Branch: schema.BranchTrue},
			{Source: "check", Target: "check", Branch: schema.BranchFalse},
		},
	}
}

// rerollFlow is start -> chaos (shift click) -> check -true-> end,
// check -false-> chaos.
func rerollFlow() schema.FlowGraph {
	return schema.FlowGraph{
		Name: "reroll",
		Nodes: []schema.Node{
			{ID: schema.StartNodeID, Kind: schema.NodeKindStart},
			{ID: "chaos", Kind: schema.NodeKindRightClick, Data: schema.StepData{
				Position: &schema.Position{X: 120, Y: 340}, UseShift: true, PostDelayMs: intPtr(0),
			}},
			spellCheck("check"),
			{ID: schema.EndNodeID, Kind: schema.NodeKindEnd},
		},
		Edges: []schema.Edge{
			{Source: schema.StartNodeID, Target: "chaos"},
			{Source: "chaos", Target: "check"},
			{Source: "check", Target: schema.EndNodeID, Branch: schema.BranchTrue},
			{Source: "check", Target: "chaos", Branch: schema.BranchFalse},
		},
	}
}

type harness struct {
	input    *fakeInput
	capture  *fakeCapture
	ocr      *fakeOCR
	logger   *recordingLogger
	appender *memAppender
}

func newHarness() *harness {
	return &harness{
		input:    &fakeInput{},
		capture:  &fakeCapture{},
		ocr:      &fakeOCR{lines: map[int][]schema.OCRLineCandidate{}},
		logger:   &recordingLogger{},
		appender: &memAppender{},
	}
}

func (h *harness) caps() Capabilities {
	return Capabilities{Input: h.input, Capture: h.capture, OCR: h.ocr, Logger: h.logger}
}

// fastDelay keeps tests quick while preserving the grace semantics.
func fastDelay() DelayPolicy {
	return DelayPolicy{PollInterval: 2 * time.Millisecond, StopGrace: 50 * time.Millisecond}
}

func noRetry() RetryPolicy {
	return RetryPolicy{Attempts: 1}
}
