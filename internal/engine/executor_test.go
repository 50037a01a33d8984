package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/pkg/schema"
)

const (
	spellHit  = "+6 to Level of all Spell Skills"
	spellMiss = "+2 to Level of all Spell Skills"
)

// reads makes every variant return the given lines.
func (h *harness) reads(lines ...schema.OCRLineCandidate) {
	h.ocr.mu.Lock()
	defer h.ocr.mu.Unlock()
	h.ocr.lines = map[int][]schema.OCRLineCandidate{0: lines, 1: lines}
}

func (h *harness) executor(stopped func() bool, opts ...func(*ExecutorOptions)) *FlowExecutor {
	o := ExecutorOptions{
		Retry:    noRetry(),
		Sleeper:  NewSleeper(fastDelay(), stopped),
		Stopped:  stopped,
		Appender: h.appender,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewFlowExecutor(h.caps(), o)
}

func TestCompileFlow_FirstEdgeWins(t *testing.T) {
	g := selfLoopFlow()
	g.Edges = append(g.Edges, schema.Edge{Source: "check", Target: schema.StartNodeID, Branch: schema.BranchFalse})

	f := CompileFlow(g)
	next, ok := f.follow("check", schema.BranchFalse)
	require.True(t, ok)
	assert.Equal(t, "check", next)

	_, ok = f.follow(schema.EndNodeID, "")
	assert.False(t, ok)
}

func TestCompileFlow_ResolvesLegacyFields(t *testing.T) {
	g := schema.FlowGraph{Nodes: []schema.Node{
		{ID: "click", Kind: schema.NodeKindLeftClick, Data: schema.StepData{Position: &schema.Position{X: 1, Y: 2}}},
	}}
	f := CompileFlow(g)
	require.NotNil(t, f.nodes["click"].Data.PostDelayMs)
	assert.Equal(t, 50, *f.nodes["click"].Data.PostDelayMs)
	assert.Nil(t, g.Nodes[0].Data.PostDelayMs, "the input graph is left alone")
}

func TestExecutor_SelfLoopEndsTraversalAtRevisit(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	x := h.executor(nil)
	flow := CompileFlow(selfLoopFlow())
	st := NewExecutorState(h.input)

	res, err := x.Run(context.Background(), flow, st)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 2, res.Visited)
	assert.Equal(t, "check", st.Resume)
	assert.Equal(t, 1, h.capture.Grabs())

	// The next traversal picks the cycle up at the check node.
	res, err = x.Run(context.Background(), flow, st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Visited)
	assert.Equal(t, "check", st.Resume)
	assert.Equal(t, 2, h.capture.Grabs())
}

func TestExecutor_ShortCircuitOnMatch(t *testing.T) {
	h := newHarness()
	h.reads(line(spellHit, 91))
	x := h.executor(nil)
	st := NewExecutorState(h.input)

	res, err := x.Run(context.Background(), CompileFlow(rerollFlow()), st)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, spellHit, res.DetectedText)
	require.NotNil(t, res.Modifier)
	assert.Equal(t, "+# to Level of all Spell Skills", res.Modifier.Pattern)
	require.NotNil(t, res.Value)
	assert.Equal(t, 6, *res.Value)
	assert.Empty(t, st.Resume)

	assert.Equal(t, []click{{120, 340, ButtonRight}}, h.input.Clicks())
	assert.Equal(t, []bool{true}, h.input.Keys())
	assert.True(t, st.ModifierHeld())

	released, err := st.ReleaseModifier(context.Background())
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, []bool{true, false}, h.input.Keys())

	released, err = st.ReleaseModifier(context.Background())
	require.NoError(t, err)
	assert.False(t, released, "releasing twice is a no-op")
	assert.True(t, h.logger.Has(schema.LogSuccess))
}

func TestExecutor_MatchNotLeadingToEndContinues(t *testing.T) {
	h := newHarness()
	h.reads(line(spellHit, 91))
	g := schema.FlowGraph{
		Nodes: []schema.Node{
			{ID: schema.StartNodeID, Kind: schema.NodeKindStart},
			spellCheck("check"),
			{ID: "confirm", Kind: schema.NodeKindLeftClick, Data: schema.StepData{Position: &schema.Position{X: 5, Y: 5}, PostDelayMs: intPtr(0)}},
			{ID: schema.EndNodeID, Kind: schema.NodeKindEnd},
		},
		Edges: []schema.Edge{
			{Source: schema.StartNodeID, Target: "check"},
			{Source: "check", Target: "confirm", Branch: schema.BranchTrue},
			{Source: "check", Target: schema.EndNodeID, Branch: schema.BranchFalse},
			{Source: "confirm", Target: schema.EndNodeID},
		},
	}

	res, err := h.executor(nil).Run(context.Background(), CompileFlow(g), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Modifier)
	assert.Len(t, h.input.Clicks(), 1)
}

func TestExecutor_ShiftOnlyToggledWhenNeeded(t *testing.T) {
	h := newHarness()
	g := schema.FlowGraph{
		Nodes: []schema.Node{
			{ID: schema.StartNodeID, Kind: schema.NodeKindStart},
			{ID: "a", Kind: schema.NodeKindRightClick, Data: schema.StepData{Position: &schema.Position{X: 1, Y: 1}, UseShift: true, PostDelayMs: intPtr(0)}},
			{ID: "b", Kind: schema.NodeKindLeftClick, Data: schema.StepData{Position: &schema.Position{X: 2, Y: 2}, UseShift: true, PostDelayMs: intPtr(0)}},
			{ID: "c", Kind: schema.NodeKindLeftClick, Data: schema.StepData{Position: &schema.Position{X: 3, Y: 3}, PostDelayMs: intPtr(0)}},
			{ID: schema.EndNodeID, Kind: schema.NodeKindEnd},
		},
		Edges: []schema.Edge{
			{Source: schema.StartNodeID, Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
			{Source: "c", Target: schema.EndNodeID},
		},
	}
	st := NewExecutorState(h.input)
	_, err := h.executor(nil).Run(context.Background(), CompileFlow(g), st)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, h.input.Keys())
	assert.False(t, st.ModifierHeld())
	assert.Len(t, h.input.Clicks(), 3)
}

func TestExecutor_MissingPositionIsFatal(t *testing.T) {
	h := newHarness()
	g := rerollFlow()
	g.Nodes[1].Data.Position = nil

	_, err := h.executor(nil).Run(context.Background(), CompileFlow(g), NewExecutorState(h.input))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	assert.True(t, schema.IsFatal(err))
	assert.Equal(t, 0, h.input.ClickCalls())
	assert.True(t, h.logger.Has(schema.LogError))
}

func TestExecutor_MissingRegionIsFatal(t *testing.T) {
	h := newHarness()
	g := selfLoopFlow()
	g.Nodes[1].Data.Region = nil

	_, err := h.executor(nil).Run(context.Background(), CompileFlow(g), NewExecutorState(h.input))
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	assert.Equal(t, 0, h.capture.Grabs())
}

func TestExecutor_CaptureErrorIsNoMatch(t *testing.T) {
	h := newHarness()
	h.capture.grabErr = errors.New("screen locked")

	res, err := h.executor(nil).Run(context.Background(), CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 2, res.Visited, "the failed check took its false branch back to itself")
	assert.True(t, h.logger.Has(schema.LogWarning))
	assert.Equal(t, 0, h.ocr.Calls())
}

func TestExecutor_CaptureRetried(t *testing.T) {
	h := newHarness()
	h.capture.grabErr = errors.New("transient")
	h.capture.failFor = 1
	h.reads(line(spellHit, 90))

	x := h.executor(nil, func(o *ExecutorOptions) {
		o.Retry = RetryPolicy{Attempts: 2, Delay: time.Millisecond}
	})
	res, err := x.Run(context.Background(), CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 2, h.capture.Grabs())
}

func TestExecutor_ClickNotRetried(t *testing.T) {
	h := newHarness()
	h.input.clickErr = errors.New("xdotool exited 1")

	x := h.executor(nil, func(o *ExecutorOptions) {
		o.Retry = RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	})
	res, err := x.Run(context.Background(), CompileFlow(rerollFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 1, h.input.ClickCalls())
}

func TestExecutor_BreakerEscalatesToFatal(t *testing.T) {
	h := newHarness()
	h.capture.grabErr = errors.New("no display")
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	x := h.executor(nil, func(o *ExecutorOptions) { o.Breakers = breakers })
	flow := CompileFlow(selfLoopFlow())
	st := NewExecutorState(h.input)

	_, err := x.Run(context.Background(), flow, st)
	require.NoError(t, err, "first failure is a plain no-match")

	_, err = x.Run(context.Background(), flow, st)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapabilityUnavailable, schema.ErrorCode(err))
	assert.Equal(t, CircuitOpen, breakers.GetState(CapabilityCapture))

	grabs := h.capture.Grabs()
	_, err = x.Run(context.Background(), flow, st)
	assert.Equal(t, schema.ErrCodeCapabilityUnavailable, schema.ErrorCode(err))
	assert.Equal(t, grabs, h.capture.Grabs(), "open circuit rejects without calling")
}

func TestExecutor_PartialOCRFailure(t *testing.T) {
	h := newHarness()
	h.ocr.lines = map[int][]schema.OCRLineCandidate{1: {line(spellHit, 80)}}
	h.ocr.errFor = map[int]error{0: errors.New("tesseract crashed")}

	res, err := h.executor(nil).Run(context.Background(), CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestExecutor_AllOCRVariantsFail(t *testing.T) {
	h := newHarness()
	h.ocr.err = errors.New("tesseract missing")

	res, err := h.executor(nil).Run(context.Background(), CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 2, h.ocr.Calls())
}

func TestExecutor_VariantOrderDoesNotMatter(t *testing.T) {
	read := func(slow int) []schema.NormalizedModifierLine {
		h := newHarness()
		h.ocr.lines = map[int][]schema.OCRLineCandidate{
			0: {line(spellMiss, 70), line("+40 to maximum Life", 88)},
			1: {line(spellMiss, 75), line("Adds 3 to 9 Cold Damage", 60)},
		}
		h.ocr.delays = map[int]time.Duration{slow: 20 * time.Millisecond}
		res, err := h.executor(nil).Run(context.Background(), CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
		require.NoError(t, err)
		return res.Lines
	}

	first, second := read(0), read(1)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	for _, l := range first {
		if l.OriginalText == spellMiss {
			assert.Equal(t, 75.0, l.Confidence)
		}
	}
}

func TestExecutor_StopBeforeDispatch(t *testing.T) {
	h := newHarness()
	res, err := h.executor(alwaysStopped).Run(context.Background(), CompileFlow(rerollFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Zero(t, res.Visited)
	assert.Zero(t, h.input.ClickCalls())
}

func TestExecutor_StopDuringDelayNode(t *testing.T) {
	h := newHarness()
	var stop atomic.Bool
	g := schema.FlowGraph{
		Nodes: []schema.Node{
			{ID: schema.StartNodeID, Kind: schema.NodeKindStart},
			{ID: "wait", Kind: schema.NodeKindDelay, Data: schema.StepData{DurationMs: 10_000}},
			{ID: "after", Kind: schema.NodeKindLeftClick, Data: schema.StepData{Position: &schema.Position{X: 1, Y: 1}}},
			{ID: schema.EndNodeID, Kind: schema.NodeKindEnd},
		},
		Edges: []schema.Edge{
			{Source: schema.StartNodeID, Target: "wait"},
			{Source: "wait", Target: "after"},
			{Source: "after", Target: schema.EndNodeID},
		},
	}
	time.AfterFunc(20*time.Millisecond, func() { stop.Store(true) })

	start := time.Now()
	res, err := h.executor(stop.Load).Run(context.Background(), CompileFlow(g), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, h.input.ClickCalls())
}

func TestExecutor_ContextCancelledIsStop(t *testing.T) {
	h := newHarness()
	h.ocr.delays = map[int]time.Duration{0: time.Second, 1: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := h.executor(nil).Run(ctx, CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.True(t, res.Stopped)
}

func TestExecutor_UnknownTargetEndsAttempt(t *testing.T) {
	h := newHarness()
	g := selfLoopFlow()
	g.Edges[0].Target = "ghost"

	res, err := h.executor(nil).Run(context.Background(), CompileFlow(g), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, h.logger.Has(schema.LogWarning))
}

func TestExecutor_JournalsNodeEvents(t *testing.T) {
	h := newHarness()
	h.reads(line(spellHit, 95))
	ctx := logging.WithAttempt(logging.WithRunID(context.Background(), "run-7"), 1)

	_, err := h.executor(nil).Run(ctx, CompileFlow(rerollFlow()), NewExecutorState(h.input))
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.EventNodeEntered, // start
		schema.EventNodeEntered, // chaos
		schema.EventModifierKey,
		schema.EventNodeEntered, // check
		schema.EventRegionChecked,
		schema.EventModifierFound,
	}, h.appender.Types())
	for _, e := range h.appender.events {
		assert.Equal(t, "run-7", e.RunID)
		assert.Equal(t, 1, e.Attempt)
	}
	assert.Equal(t, "chaos", h.appender.events[1].NodeID)
}

func TestExecutor_NoJournalWithoutRunID(t *testing.T) {
	h := newHarness()
	_, err := h.executor(nil).Run(context.Background(), CompileFlow(selfLoopFlow()), NewExecutorState(h.input))
	require.NoError(t, err)
	assert.Empty(t, h.appender.Types())
}
