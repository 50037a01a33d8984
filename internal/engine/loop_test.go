package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/internal/validation"
	"github.com/rendis/autocraft/pkg/schema"
)

// fakeHistory keeps runs and attempts in memory.
type fakeHistory struct {
	mu       sync.Mutex
	runs     map[string]*store.Run
	updates  []store.RunUpdate
	attempts []*store.Attempt
	// updateErr fails every UpdateRun after recording the update.
	updateErr error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{runs: make(map[string]*store.Run)}
}

func (f *fakeHistory) CreateRun(_ context.Context, run *store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeHistory) UpdateRun(_ context.Context, _ string, u store.RunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.updateErr
}

func (f *fakeHistory) RecordAttempt(_ context.Context, a *store.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (h *harness) loop(t *testing.T, opts ...func(*Options)) *AttemptLoop {
	t.Helper()
	o := Options{
		Appender: h.appender,
		Retry:    noRetry(),
		Delay:    fastDelay(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewAttemptLoop(h.caps(), o)
}

func withValidator(t *testing.T) func(*Options) {
	v, err := validation.NewFlowValidator(nil)
	require.NoError(t, err)
	return func(o *Options) { o.Validator = v }
}

func TestAttemptLoop_SelfLoopRunsUntilMaxAttempts(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	l := h.loop(t, withValidator(t))

	res, err := l.Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 5})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, schema.RunStatusExhausted, res.Status)
	assert.Equal(t, 5, h.capture.Grabs())
	assert.NotEmpty(t, res.RunID)
}

func TestAttemptLoop_ExhaustsAfterMaxAttempts(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	l := h.loop(t, withValidator(t))

	res, err := l.Run(context.Background(), RunConfig{RunID: "run-3", Flow: rerollFlow(), MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, schema.AttemptResult{
		Found:      false,
		Attempts:   3,
		DurationMs: res.DurationMs,
		Status:     schema.RunStatusExhausted,
		RunID:      "run-3",
	}, res)
	assert.Len(t, h.input.Clicks(), 3)
	assert.Equal(t, []bool{true, false, true, false, true, false}, h.input.Keys(), "shift released after every attempt")
	assert.True(t, h.logger.Has(schema.LogWarning))

	types := h.appender.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunExhausted, types[len(types)-1])
	assert.Equal(t, 3, h.appender.Count(schema.EventAttemptStarted))
	assert.Equal(t, 3, h.appender.Count(schema.EventAttemptCompleted))
}

func TestAttemptLoop_FindsOnLaterAttempt(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	h.input.onClick = func(n int) {
		if n == 2 {
			h.reads(line(spellHit, 92))
		}
	}
	l := h.loop(t)

	res, err := l.Run(context.Background(), RunConfig{Flow: rerollFlow(), MaxAttempts: 10})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Equal(t, spellHit, res.DetectedText)
	require.NotNil(t, res.MatchedModifier)
	assert.Equal(t, "+# to Level of all Spell Skills", res.MatchedModifier.Pattern)

	keys := h.input.Keys()
	assert.False(t, keys[len(keys)-1], "shift released after success")
	assert.Equal(t, schema.EventRunSucceeded, h.appender.Types()[len(h.appender.Types())-1])
	assert.True(t, h.logger.Has(schema.LogSuccess))

	st := l.Status()
	assert.Equal(t, schema.RunStatusSucceeded, st.Status)
	require.NotNil(t, st.Result)
	assert.True(t, st.Result.Found)
	assert.False(t, st.Modifier)
}

func TestAttemptLoop_InvalidFlowTouchesNoCapability(t *testing.T) {
	h := newHarness()
	l := h.loop(t, withValidator(t))
	g := rerollFlow()
	g.Edges = append(g.Edges, schema.Edge{Source: "chaos", Target: "nowhere", Branch: schema.BranchTrue})

	res, err := l.Run(context.Background(), RunConfig{Flow: g, MaxAttempts: 3})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, h.input.ClickCalls())
	assert.Empty(t, h.input.Keys())
	assert.Zero(t, h.capture.Grabs())
	assert.Equal(t, []string{schema.EventRunFailed}, h.appender.Types())
	assert.True(t, h.logger.Has(schema.LogError))
}

func TestAttemptLoop_PreflightErrors(t *testing.T) {
	cases := []struct {
		name string
		caps func(*harness) Capabilities
		cfg  RunConfig
	}{
		{"zero attempts", (*harness).caps, RunConfig{Flow: selfLoopFlow(), MaxAttempts: 0}},
		{"negative attempts", (*harness).caps, RunConfig{Flow: selfLoopFlow(), MaxAttempts: -1}},
		{"empty flow", (*harness).caps, RunConfig{MaxAttempts: 1}},
		{"no ocr", func(h *harness) Capabilities {
			c := h.caps()
			c.OCR = nil
			return c
		}, RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			l := NewAttemptLoop(tc.caps(h), Options{Appender: h.appender, Delay: fastDelay()})
			res, err := l.Run(context.Background(), tc.cfg)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
			assert.Equal(t, schema.RunStatusFailed, res.Status)
			assert.False(t, res.Found)
			assert.Zero(t, h.capture.Grabs())
		})
	}
}

func TestAttemptLoop_FatalStepFailsRunAndReleasesShift(t *testing.T) {
	h := newHarness()
	g := rerollFlow()
	g.Nodes = append(g.Nodes, schema.Node{ID: "broken", Kind: schema.NodeKindLeftClick})
	g.Edges[3] = schema.Edge{Source: "check", Target: "broken", Branch: schema.BranchFalse}
	g.Edges = append(g.Edges, schema.Edge{Source: "broken", Target: "chaos"})
	l := h.loop(t)

	res, err := l.Run(context.Background(), RunConfig{Flow: g, MaxAttempts: 5})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []bool{true, false}, h.input.Keys())
	assert.Equal(t, schema.EventRunFailed, h.appender.Types()[len(h.appender.Types())-1])
}

func TestAttemptLoop_CapabilityUnavailableFailsRun(t *testing.T) {
	h := newHarness()
	h.capture.grabErr = assert.AnError
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	l := h.loop(t, func(o *Options) { o.Breakers = breakers })

	res, err := l.Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 10})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapabilityUnavailable, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, h.appender.Count(schema.EventCapabilityOpen))
	assert.Same(t, breakers, l.Breakers())
}

func TestAttemptLoop_RequestStop(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	l := h.loop(t)
	h.input.onClick = func(n int) {
		if n == 2 {
			l.RequestStop()
		}
	}

	res, err := l.Run(context.Background(), RunConfig{Flow: rerollFlow(), MaxAttempts: 100})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, res.Status)
	assert.False(t, res.Found)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, h.appender.Count(schema.EventStopRequested))
	assert.Equal(t, schema.EventRunStopped, h.appender.Types()[len(h.appender.Types())-1])
	keys := h.input.Keys()
	assert.False(t, keys[len(keys)-1])
}

func TestAttemptLoop_StaleStopIsCleared(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	l := h.loop(t)
	l.RequestStop()
	assert.True(t, l.IsStopRequested())

	res, err := l.Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusExhausted, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestAttemptLoop_FileStopSignal(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	sig := NewFileStopSignal(t.TempDir())
	require.NoError(t, sig.Request(), "left over from an earlier run")

	l := h.loop(t, func(o *Options) { o.StopSignals = []StopSignal{sig} })
	h.input.onClick = func(n int) {
		if n == 3 {
			require.NoError(t, sig.Request())
		}
	}

	res, err := l.Run(context.Background(), RunConfig{Flow: rerollFlow(), MaxAttempts: 50})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, sig.Triggered(), "the signal file is consumed")
}

func TestAttemptLoop_StopDuringStartDelay(t *testing.T) {
	h := newHarness()
	l := h.loop(t)
	time.AfterFunc(30*time.Millisecond, l.RequestStop)

	start := time.Now()
	res, err := l.Run(context.Background(), RunConfig{Flow: rerollFlow(), MaxAttempts: 5, StartDelay: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, res.Status)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, h.input.ClickCalls())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{schema.EventStopRequested, schema.EventRunStopped}, h.appender.Types())
}

func TestAttemptLoop_ContextCancelled(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	ctx, cancel := context.WithCancel(context.Background())
	h.input.onClick = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	res, err := h.loop(t).Run(ctx, RunConfig{Flow: rerollFlow(), MaxAttempts: 100})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, res.Status)
	assert.LessOrEqual(t, res.Attempts, 2)
	keys := h.input.Keys()
	assert.False(t, keys[len(keys)-1])
}

func TestAttemptLoop_RejectsConcurrentRun(t *testing.T) {
	h := newHarness()
	l := h.loop(t)

	done := make(chan schema.AttemptResult, 1)
	go func() {
		res, _ := l.Run(context.Background(), RunConfig{RunID: "first", Flow: selfLoopFlow(), MaxAttempts: 1, StartDelay: 10 * time.Second})
		done <- res
	}()
	require.Eventually(t, func() bool { return l.Status().RunID == "first" }, time.Second, 5*time.Millisecond)

	_, err := l.Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))

	l.RequestStop()
	select {
	case res := <-done:
		assert.Equal(t, schema.RunStatusStopped, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not stop")
	}
}

func TestAttemptLoop_RecordsHistory(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	hist := newFakeHistory()
	l := h.loop(t, func(o *Options) { o.History = hist })

	res, err := l.Run(context.Background(), RunConfig{RunID: "hist", Flow: rerollFlow(), MaxAttempts: 3})
	require.NoError(t, err)

	require.Contains(t, hist.runs, "hist")
	assert.Equal(t, "reroll", hist.runs["hist"].FlowName)
	assert.Equal(t, 3, hist.runs["hist"].MaxAttempts)

	require.Len(t, hist.attempts, 3)
	for i, a := range hist.attempts {
		assert.Equal(t, "hist", a.RunID)
		assert.Equal(t, i+1, a.Number)
		assert.False(t, a.Found)
		assert.NotEmpty(t, a.Lines)
	}

	require.Len(t, hist.updates, 2)
	assert.Equal(t, schema.RunStatusRunning, *hist.updates[0].Status)
	last := hist.updates[1]
	assert.Equal(t, res.Status, *last.Status)
	assert.Equal(t, 3, *last.Attempts)
	assert.NotNil(t, last.CompletedAt)
}

func TestAttemptLoop_ProgressEvents(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))

	_, err := h.loop(t).Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 5, ProgressEvery: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, h.appender.Count(schema.EventProgress))
}

func TestAttemptLoop_FSMHooks(t *testing.T) {
	h := newHarness()
	h.reads(line(spellHit, 90))
	l := h.loop(t)

	var seen []schema.RunStatus
	l.FSM().OnAfter(schema.RunStatusRunning, schema.RunStatusSucceeded, func(_ context.Context, _ string, _, to schema.RunStatus) error {
		seen = append(seen, to)
		return nil
	})

	_, err := l.Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, []schema.RunStatus{schema.RunStatusSucceeded}, seen)
}

func TestAttemptLoop_ReadRegion(t *testing.T) {
	h := newHarness()
	h.ocr.lines = map[int][]schema.OCRLineCandidate{
		0: {line(spellHit, 70), line("34% increased Spell Damage", 91)},
		1: {line(spellHit, 80), line("|||---", 99)},
	}
	loop := h.loop(t)

	lines, err := loop.ReadRegion(context.Background(), schema.Region{X: 600, Y: 200, Width: 400, Height: 180}, nil)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "34% increased Spell Damage", lines[0].OriginalText)
	assert.Equal(t, spellHit, lines[1].OriginalText)
	assert.Equal(t, 80.0, lines[1].Confidence)

	assert.Equal(t, 1, h.capture.Grabs())
	assert.Equal(t, 2, h.ocr.Calls())
	assert.Zero(t, h.input.ClickCalls())
	assert.Equal(t, schema.RunStatusPending, loop.Status().Status, "reading a region is not a run")
}

func TestAttemptLoop_ReadRegionWithAllowList(t *testing.T) {
	h := newHarness()
	h.reads(line(spellHit, 70), line("34% increased Spell Damage", 91))
	allow := modifiers.NewAllowList([]string{"+# to Level of all Spell Skills"})

	lines, err := h.loop(t).ReadRegion(context.Background(), schema.Region{Width: 10, Height: 10}, allow)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, spellHit, lines[0].OriginalText)
}

func TestAttemptLoop_ReadRegionErrors(t *testing.T) {
	h := newHarness()
	_, err := h.loop(t).ReadRegion(context.Background(), schema.Region{Width: 0, Height: 10}, nil)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))

	caps := h.caps()
	caps.Capture = nil
	_, err = NewAttemptLoop(caps, Options{}).ReadRegion(context.Background(), schema.Region{Width: 10, Height: 10}, nil)
	assert.ErrorContains(t, err, "capture capability is required")

	h.capture.grabErr = schema.NewError(schema.ErrCodeCapability, "window gone")
	_, err = h.loop(t).ReadRegion(context.Background(), schema.Region{Width: 10, Height: 10}, nil)
	assert.Equal(t, schema.ErrCodeCapability, schema.ErrorCode(err))
}

func TestAttemptLoop_HistoryUpdateFailureIsLogged(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	hist := newFakeHistory()
	hist.updateErr = schema.NewError(schema.ErrCodeStore, "database is locked")
	l := h.loop(t, func(o *Options) { o.History = hist })

	res, err := l.Run(context.Background(), RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1})
	require.NoError(t, err, "history failures do not fail the run")
	assert.Equal(t, schema.RunStatusExhausted, res.Status)
	assert.Equal(t, 2, h.logger.Count("run history not updated"), "running and final updates")
}
