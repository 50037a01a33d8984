package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autocraft/pkg/schema"
)

func TestRunner_StartAndWait(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	id, err := r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out, err := r.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusExhausted, out.Result.Status)
	assert.Equal(t, 2, out.Result.Attempts)
	assert.Empty(t, out.Error)

	again, err := r.Wait(context.Background(), id)
	require.NoError(t, err, "finished runs are answered from memory")
	assert.Equal(t, out, again)
}

func TestRunner_KeepsErrors(t *testing.T) {
	h := newHarness()
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	id, err := r.Start(RunConfig{RunID: "bad", Flow: selfLoopFlow(), MaxAttempts: 0})
	require.NoError(t, err)
	assert.Equal(t, "bad", id)

	out, err := r.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, out.Result.Status)
	assert.Contains(t, out.Error, schema.ErrCodeConfiguration)
}

func TestRunner_OneRunAtATime(t *testing.T) {
	h := newHarness()
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	id, err := r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1, StartDelay: 10 * time.Second})
	require.NoError(t, err)
	assert.True(t, r.Busy())

	_, err = r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))

	require.Eventually(t, func() bool { return r.Loop().Status().RunID == id }, time.Second, 5*time.Millisecond)
	r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, out.Result.Status)
	assert.Eventually(t, func() bool { return !r.Busy() }, time.Second, 5*time.Millisecond)
}

func TestRunner_WaitUnknownRun(t *testing.T) {
	r := NewRunner(context.Background(), newHarness().loop(t))
	defer r.Shutdown()

	_, err := r.Wait(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	_, ok := r.Outcome("missing")
	assert.False(t, ok)
}

func TestRunner_WaitHonorsContext(t *testing.T) {
	h := newHarness()
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	id, err := r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1, StartDelay: 10 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_ShutdownStopsActiveRun(t *testing.T) {
	h := newHarness()
	r := NewRunner(context.Background(), h.loop(t))

	id, err := r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1, StartDelay: 10 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Loop().Status().RunID == id }, time.Second, 5*time.Millisecond)

	r.Shutdown()
	out, ok := r.Outcome(id)
	require.True(t, ok)
	assert.Equal(t, schema.RunStatusStopped, out.Result.Status)

	_, err = r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestRunner_BoundsOutcomes(t *testing.T) {
	h := newHarness()
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	for i := range maxKeptOutcomes + 2 {
		r.keep(string(rune('a'+i)), schema.AttemptResult{}, nil)
	}
	_, ok := r.Outcome("a")
	assert.False(t, ok)
	_, ok = r.Outcome(string(rune('a' + maxKeptOutcomes + 1)))
	assert.True(t, ok)
}

func TestRunner_StopRightAfterStart(t *testing.T) {
	h := newHarness()
	h.reads(line(spellMiss, 90))
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	id, err := r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 100000, StartDelay: 10 * time.Second})
	require.NoError(t, err)
	r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, out.Result.Status)
	assert.Zero(t, out.Result.Attempts)
	assert.Zero(t, h.ocr.Calls())
}

func TestRunner_PanickingInputFailsRunAndReleasesModifier(t *testing.T) {
	h := newHarness()
	h.input.onClick = func(int) { panic("input driver crashed") }
	r := NewRunner(context.Background(), h.loop(t))
	defer r.Shutdown()

	id, err := r.Start(RunConfig{Flow: rerollFlow(), MaxAttempts: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, out.Result.Status)
	assert.Equal(t, 1, out.Result.Attempts)
	assert.Contains(t, out.Error, "input driver crashed")

	assert.Equal(t, []bool{true, false}, h.input.Keys(), "modifier released after the panic")
	st := r.Loop().Status()
	assert.Equal(t, schema.RunStatusFailed, st.Status)
	assert.False(t, st.Modifier)
	assert.Eventually(t, func() bool { return !r.Busy() }, time.Second, 5*time.Millisecond)
}

type panickingValidator struct{}

func (panickingValidator) ValidateFlow(*schema.FlowGraph) error { panic("validator bug") }

func TestRunner_PanicOutsideAttemptsStillReportsOutcome(t *testing.T) {
	h := newHarness()
	loop := h.loop(t, func(o *Options) { o.Validator = panickingValidator{} })
	r := NewRunner(context.Background(), loop)
	defer r.Shutdown()

	id, err := r.Start(RunConfig{Flow: selfLoopFlow(), MaxAttempts: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, out.Result.Status)
	assert.Equal(t, id, out.Result.RunID)
	assert.Contains(t, out.Error, "validator bug")
	assert.Zero(t, h.input.ClickCalls())
}
