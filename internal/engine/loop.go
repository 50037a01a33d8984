package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/internal/validation"
	"github.com/rendis/autocraft/pkg/schema"
)

// RunConfig is the input of one attempt loop run.
type RunConfig struct {
	// RunID identifies the run. A random UUID is used when empty.
	RunID       string
	Flow        schema.FlowGraph
	MaxAttempts int
	// AllowList restricts aggregated lines to known modifiers. Nil keeps all.
	AllowList *modifiers.AllowList
	// ProgressEvery emits a progress event every N attempts. Zero disables.
	ProgressEvery int
	// StartDelay is waited before the first attempt so the operator can
	// focus the game window. A stop during it ends the run before any click.
	StartDelay time.Duration
	// StopRequested, when set, is polled alongside RequestStop for this run
	// only. Unlike the loop's own flag it is not reset when the run starts,
	// so a stop issued before the run goroutine gets going is not lost.
	StopRequested func() bool
}

// Options configures an AttemptLoop. Zero values get defaults.
type Options struct {
	Validator      validation.Validator
	Matcher        *modifiers.Matcher
	Appender       EventAppender
	History        History
	Breakers       *CircuitBreakerRegistry
	Retry          RetryPolicy
	Delay          DelayPolicy
	VariantWorkers int
	StopSignals    []StopSignal
	// Now is the clock used for durations. Defaults to time.Now.
	Now func() time.Time
}

// Status is a point-in-time view of the loop, safe to read while running.
type Status struct {
	RunID     string                `json:"run_id,omitempty"`
	Status    schema.RunStatus      `json:"status"`
	Attempts  int                   `json:"attempts"`
	Max       int                   `json:"max_attempts"`
	StartedAt time.Time             `json:"started_at,omitzero"`
	Elapsed   time.Duration         `json:"elapsed"`
	Modifier  bool                  `json:"modifier_held"`
	Result    *schema.AttemptResult `json:"result,omitempty"`
}

// AttemptLoop repeats flow traversals until a modifier is found, the
// attempt budget runs out, or a stop is requested. One loop runs at most
// one run at a time.
type AttemptLoop struct {
	caps  Capabilities
	opts  Options
	fsm   *RunFSM
	now   func() time.Time
	runMu sync.Mutex

	stop atomic.Bool

	mu      sync.RWMutex
	status  Status
	state   *ExecutorState
	runStop func() bool
}

// NewAttemptLoop creates a loop around the given capabilities.
func NewAttemptLoop(caps Capabilities, opts Options) *AttemptLoop {
	if caps.Logger == nil {
		caps.Logger = discardLogger{}
	}
	if opts.Breakers == nil {
		opts.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Delay == (DelayPolicy{}) {
		opts.Delay = DefaultDelayPolicy()
	}
	if opts.Matcher == nil {
		opts.Matcher = modifiers.NewMatcher()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AttemptLoop{
		caps:   caps,
		opts:   opts,
		fsm:    NewRunFSM(opts.Appender),
		now:    now,
		status: Status{Status: schema.RunStatusPending},
	}
}

// FSM exposes the run status machine so callers can register hooks.
func (l *AttemptLoop) FSM() *RunFSM { return l.fsm }

// Breakers exposes the capability circuit breakers.
func (l *AttemptLoop) Breakers() *CircuitBreakerRegistry { return l.opts.Breakers }

// RequestStop asks the current run to stop at the next cancellation point.
func (l *AttemptLoop) RequestStop() {
	if !l.stop.Swap(true) {
		l.mu.RLock()
		runID := l.status.RunID
		l.mu.RUnlock()
		ctx := logging.WithRunID(context.Background(), runID)
		(&journal{appender: l.opts.Appender, logger: l.caps.Logger}).record(ctx, schema.EventStopRequested, nil)
	}
}

// IsStopRequested reports whether a stop was requested, either through
// RequestStop or one of the external stop signals.
func (l *AttemptLoop) IsStopRequested() bool {
	if l.stop.Load() {
		return true
	}
	l.mu.RLock()
	runStop := l.runStop
	l.mu.RUnlock()
	if runStop != nil && runStop() {
		l.stop.Store(true)
		return true
	}
	for _, s := range l.opts.StopSignals {
		if s.Triggered() {
			l.caps.Logger.Emit(context.Background(), schema.LogWarning, "stop signal received")
			l.stop.Store(true)
			return true
		}
	}
	return false
}

// Status returns a snapshot of the current or last run.
func (l *AttemptLoop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.status
	if s.Status == schema.RunStatusRunning && !s.StartedAt.IsZero() {
		s.Elapsed = l.now().Sub(s.StartedAt)
	}
	if l.state != nil {
		s.Modifier = l.state.ModifierHeld()
	}
	return s
}

// Run executes one attempt loop run. The flow is validated first; an
// invalid flow fails the run before any capability is touched.
//
// The returned result is always populated. The error is non-nil only when
// the run failed: an invalid config, or a fatal condition mid-run such as
// a node without its required data or an unavailable capability.
func (l *AttemptLoop) Run(ctx context.Context, cfg RunConfig) (schema.AttemptResult, error) {
	if !l.runMu.TryLock() {
		return schema.AttemptResult{Status: schema.RunStatusFailed},
			schema.NewError(schema.ErrCodeConfiguration, "another run is in progress")
	}
	defer l.runMu.Unlock()

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)
	start := l.now()

	l.stop.Store(false)
	for _, s := range l.opts.StopSignals {
		if err := s.Clear(); err != nil {
			l.caps.Logger.Emit(ctx, schema.LogWarning, "could not clear stale stop signal", "error", err)
		}
	}

	flow := CompileFlow(cfg.Flow)
	res := schema.AttemptResult{RunID: runID, Status: schema.RunStatusPending}
	l.setStatus(Status{RunID: runID, Status: schema.RunStatusPending, Max: cfg.MaxAttempts, StartedAt: start}, nil)
	l.mu.Lock()
	l.runStop = cfg.StopRequested
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.runStop = nil
		l.mu.Unlock()
	}()

	if l.opts.History != nil {
		run := &store.Run{ID: runID, FlowName: cfg.Flow.Name, Flow: flow.Graph(), MaxAttempts: cfg.MaxAttempts, CreatedAt: start}
		if err := l.opts.History.CreateRun(ctx, run); err != nil {
			l.caps.Logger.Emit(ctx, schema.LogWarning, "run history unavailable", "error", err)
		}
	}

	if err := l.preflight(flow, cfg); err != nil {
		l.caps.Logger.Emit(ctx, schema.LogError, err.Error())
		return l.finish(ctx, res, schema.RunStatusPending, schema.RunStatusFailed, start, err)
	}

	if cfg.StartDelay > 0 {
		l.caps.Logger.Emit(ctx, schema.LogWarning, "starting soon, focus the game window", "in", cfg.StartDelay)
		sleeper := NewSleeper(DelayPolicy{PollInterval: l.opts.Delay.PollInterval}, l.IsStopRequested)
		if _, err := sleeper.Delay(ctx, cfg.StartDelay); err != nil || l.IsStopRequested() {
			l.caps.Logger.Emit(ctx, schema.LogWarning, "stopped before start")
			return l.finish(ctx, res, schema.RunStatusPending, schema.RunStatusStopped, start, nil)
		}
	}

	if err := l.fsm.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning,
		map[string]any{"flow": cfg.Flow.Name, "max_attempts": cfg.MaxAttempts}); err != nil {
		l.caps.Logger.Emit(ctx, schema.LogWarning, "run event not recorded", "error", err)
	}
	l.updateStatus(func(s *Status) { s.Status = schema.RunStatusRunning })
	if l.opts.History != nil {
		running := schema.RunStatusRunning
		if err := l.opts.History.UpdateRun(ctx, runID, store.RunUpdate{Status: &running, StartedAt: &start}); err != nil {
			l.caps.Logger.Emit(ctx, schema.LogDebug, "run history not updated", "error", err)
		}
	}
	l.caps.Logger.Emit(ctx, schema.LogInfo, "looking for modifiers", "targets", targetSummary(flow), "nodes", len(flow.graph.Nodes))

	state := NewExecutorState(l.caps.Input)
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	exec := NewFlowExecutor(l.caps, ExecutorOptions{
		Matcher:        l.opts.Matcher,
		Aggregator:     modifiers.NewAggregator(cfg.AllowList),
		Sleeper:        NewSleeper(l.opts.Delay, l.IsStopRequested),
		Breakers:       l.opts.Breakers,
		Retry:          l.opts.Retry,
		VariantWorkers: l.opts.VariantWorkers,
		Stopped:        l.IsStopRequested,
		Appender:       l.opts.Appender,
	})

	final, runErr := l.attempts(ctx, exec, flow, state, cfg, &res)
	return l.finish(ctx, res, schema.RunStatusRunning, final, start, runErr)
}

// attempts is the loop body. The modifier key is released after every
// attempt and again when the loop exits, panics included. A panicking
// capability fails the run instead of leaving it running.
func (l *AttemptLoop) attempts(ctx context.Context, exec *FlowExecutor, flow *Flow, state *ExecutorState, cfg RunConfig, res *schema.AttemptResult) (status schema.RunStatus, err error) {
	j := &journal{appender: l.opts.Appender, logger: l.caps.Logger}
	defer func() {
		if p := recover(); p != nil {
			status = schema.RunStatusFailed
			err = schema.NewErrorf(schema.ErrCodeCapability, "attempt %d panicked: %v", res.Attempts, p)
			l.caps.Logger.Emit(ctx, schema.LogError, err.Error())
		}
		l.releaseModifier(ctx, state, j)
	}()

	for res.Attempts < cfg.MaxAttempts {
		if l.IsStopRequested() || ctx.Err() != nil {
			return schema.RunStatusStopped, nil
		}
		res.Attempts++
		n := res.Attempts
		actx := logging.WithAttempt(ctx, n)
		l.updateStatus(func(s *Status) { s.Attempts = n })
		j.record(actx, schema.EventAttemptStarted, nil)

		began := l.now()
		out, err := exec.Run(actx, flow, state)
		l.releaseModifier(actx, state, j)
		elapsed := l.now().Sub(began)

		l.recordAttempt(actx, n, out, elapsed)
		j.record(actx, schema.EventAttemptCompleted, map[string]any{
			"found": out.Found, "visited": out.Visited, "duration_ms": elapsed.Milliseconds(),
		})

		if err != nil {
			return schema.RunStatusFailed, err
		}
		if out.Found {
			res.Found = true
			res.MatchedModifier = out.Modifier
			res.DetectedText = out.DetectedText
			l.caps.Logger.Emit(actx, schema.LogSuccess, "found", "text", out.DetectedText, "modifier", out.Modifier.DisplayText())
			return schema.RunStatusSucceeded, nil
		}
		if out.Stopped {
			return schema.RunStatusStopped, nil
		}
		if cfg.ProgressEvery > 0 && n%cfg.ProgressEvery == 0 {
			l.progress(actx, j, n, cfg.MaxAttempts)
		}
	}
	if l.IsStopRequested() {
		return schema.RunStatusStopped, nil
	}
	return schema.RunStatusExhausted, nil
}

// ReadRegion reads one screen region the way a checkRegion step does,
// without running a flow or touching the input device. It is used to tune
// regions and check what the OCR sees.
func (l *AttemptLoop) ReadRegion(ctx context.Context, region schema.Region, allow *modifiers.AllowList) ([]schema.NormalizedModifierLine, error) {
	switch {
	case l.caps.Capture == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "capture capability is required")
	case l.caps.OCR == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "ocr capability is required")
	case region.Width <= 0 || region.Height <= 0:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "region %dx%d is empty", region.Width, region.Height)
	}
	exec := NewFlowExecutor(l.caps, ExecutorOptions{
		Matcher:        l.opts.Matcher,
		Aggregator:     modifiers.NewAggregator(allow),
		Breakers:       l.opts.Breakers,
		Retry:          l.opts.Retry,
		VariantWorkers: l.opts.VariantWorkers,
	})
	return exec.ReadRegion(ctx, region)
}

func (l *AttemptLoop) releaseModifier(ctx context.Context, state *ExecutorState, j *journal) {
	released, err := state.ReleaseModifier(ctx)
	if err != nil {
		l.caps.Logger.Emit(ctx, schema.LogWarning, "could not release modifier key", "error", err)
		return
	}
	if released {
		j.record(ctx, schema.EventModifierKey, map[string]any{"held": false})
	}
}

func (l *AttemptLoop) progress(ctx context.Context, j *journal, n, limit int) {
	s := l.Status()
	j.record(ctx, schema.EventProgress, map[string]any{"attempts": n, "max_attempts": limit, "elapsed_ms": s.Elapsed.Milliseconds()})
	l.caps.Logger.Emit(ctx, schema.LogInfo, "progress", "attempts", n, "max_attempts", limit, "elapsed", s.Elapsed.Round(time.Second))
}

func (l *AttemptLoop) recordAttempt(ctx context.Context, n int, out FlowResult, elapsed time.Duration) {
	if l.opts.History == nil {
		return
	}
	a := &store.Attempt{
		RunID:        logging.RunID(ctx),
		Number:       n,
		Found:        out.Found,
		DetectedText: out.DetectedText,
		Lines:        out.Lines,
		DurationMs:   elapsed.Milliseconds(),
	}
	if err := l.opts.History.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		l.caps.Logger.Emit(ctx, schema.LogDebug, "attempt not recorded", "error", err)
	}
}

// finish moves the run to its terminal status and persists the result.
func (l *AttemptLoop) finish(ctx context.Context, res schema.AttemptResult, from, to schema.RunStatus, start time.Time, runErr error) (schema.AttemptResult, error) {
	end := l.now()
	res.Status = to
	res.DurationMs = end.Sub(start).Milliseconds()
	if to != schema.RunStatusSucceeded {
		res.Found = false
		res.MatchedModifier = nil
		res.DetectedText = ""
	}

	payload := map[string]any{"attempts": res.Attempts, "found": res.Found, "duration_ms": res.DurationMs}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	bg := context.WithoutCancel(ctx)
	if err := l.fsm.Transition(bg, res.RunID, from, to, payload); err != nil {
		l.caps.Logger.Emit(ctx, schema.LogDebug, "run event not recorded", "error", err)
	}

	if l.opts.History != nil {
		upd := store.RunUpdate{Status: &to, Attempts: &res.Attempts, Found: &res.Found, CompletedAt: &end}
		if res.MatchedModifier != nil {
			upd.MatchedModifier = res.MatchedModifier
			upd.DetectedText = &res.DetectedText
		}
		if runErr != nil {
			msg := runErr.Error()
			upd.Error = &msg
		}
		if err := l.opts.History.UpdateRun(bg, res.RunID, upd); err != nil {
			l.caps.Logger.Emit(ctx, schema.LogDebug, "run history not updated", "error", err)
		}
	}

	switch to {
	case schema.RunStatusExhausted:
		l.caps.Logger.Emit(ctx, schema.LogWarning, "attempt limit reached", "attempts", res.Attempts)
	case schema.RunStatusStopped:
		l.caps.Logger.Emit(ctx, schema.LogWarning, "stopped by user", "attempts", res.Attempts)
	}

	final := res
	l.updateStatus(func(s *Status) {
		s.Status = to
		s.Attempts = res.Attempts
		s.Elapsed = end.Sub(start)
		s.Result = &final
	})
	l.mu.Lock()
	l.state = nil
	l.mu.Unlock()
	return res, runErr
}

func (l *AttemptLoop) preflight(flow *Flow, cfg RunConfig) error {
	if err := l.caps.validate(); err != nil {
		return err
	}
	if cfg.MaxAttempts <= 0 {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "max attempts must be positive, got %d", cfg.MaxAttempts)
	}
	if len(cfg.Flow.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "no flow configured")
	}
	if l.opts.Validator != nil {
		g := flow.Graph()
		if err := l.opts.Validator.ValidateFlow(&g); err != nil {
			return err
		}
	}
	return nil
}

func (l *AttemptLoop) setStatus(s Status, state *ExecutorState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
	l.state = state
}

func (l *AttemptLoop) updateStatus(fn func(*Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.status)
}

func targetSummary(flow *Flow) []string {
	var out []string
	for _, n := range flow.graph.Nodes {
		if n.Kind != schema.NodeKindCheckRegion {
			continue
		}
		for _, m := range n.Data.Modifiers {
			out = append(out, m.DisplayText())
		}
	}
	return out
}
