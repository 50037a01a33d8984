package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/autocraft/pkg/schema"
)

// maxKeptOutcomes bounds the in-memory outcome cache; older runs are
// still available from the store.
const maxKeptOutcomes = 32

// Outcome is the final result of a background run.
type Outcome struct {
	Result schema.AttemptResult `json:"result"`
	Error  string               `json:"error,omitempty"`
}

// Runner starts attempt loop runs in the background, one at a time. The MCP
// server and the panel use it so a tool call can return as soon as the run
// has started.
type Runner struct {
	loop *AttemptLoop
	pool *WorkerPool
	base context.Context

	mu       sync.Mutex
	outcomes map[string]Outcome
	order    []string
	done     map[string]chan struct{}
	// stop latches Stop for the run started last, so a stop issued before
	// its goroutine reaches the loop still applies.
	stop *atomic.Bool
}

// NewRunner creates a Runner. Runs inherit base's values and are
// cancelled when base ends.
func NewRunner(base context.Context, loop *AttemptLoop) *Runner {
	return &Runner{
		loop:     loop,
		pool:     NewWorkerPool(1),
		base:     base,
		outcomes: make(map[string]Outcome),
		done:     make(map[string]chan struct{}),
	}
}

// Loop returns the wrapped attempt loop.
func (r *Runner) Loop() *AttemptLoop { return r.loop }

// Start launches a run and returns its ID without waiting for it.
// It fails with CONFIGURATION_ERROR while another run is active.
func (r *Runner) Start(cfg RunConfig) (string, error) {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	id := cfg.RunID
	ch := make(chan struct{})
	stop := new(atomic.Bool)
	if cfg.StopRequested != nil {
		outer := cfg.StopRequested
		cfg.StopRequested = func() bool { return stop.Load() || outer() }
	} else {
		cfg.StopRequested = stop.Load
	}

	r.mu.Lock()
	r.done[id] = ch
	prev := r.stop
	r.stop = stop
	r.mu.Unlock()

	err := r.pool.TrySubmit(r.base, func(ctx context.Context) (err error) {
		defer close(ch)
		kept := false
		defer func() {
			if kept {
				return
			}
			// The loop panicked outside the attempts; Wait must still see
			// a failed run rather than an empty outcome.
			p := recover()
			err = schema.NewErrorf(schema.ErrCodeCapability, "run aborted: %v", p)
			r.keep(id, schema.AttemptResult{RunID: id, Status: schema.RunStatusFailed}, err)
		}()
		res, err := r.loop.Run(ctx, cfg)
		r.keep(id, res, err)
		kept = true
		return err
	})
	if err != nil {
		r.mu.Lock()
		delete(r.done, id)
		r.stop = prev
		r.mu.Unlock()
		if errors.Is(err, ErrPoolBusy) {
			return "", schema.NewError(schema.ErrCodeConfiguration, "another run is in progress")
		}
		return "", err
	}
	return id, nil
}

// Stop requests the active run to stop. The request holds even when the
// run has been started but not yet picked up by its goroutine.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stop != nil {
		r.stop.Store(true)
	}
	r.mu.Unlock()
	r.loop.RequestStop()
}

// Wait blocks until the given run finishes or ctx ends.
func (r *Runner) Wait(ctx context.Context, runID string) (Outcome, error) {
	r.mu.Lock()
	ch, ok := r.done[runID]
	r.mu.Unlock()
	if !ok {
		if out, found := r.Outcome(runID); found {
			return out, nil
		}
		return Outcome{}, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	out, _ := r.Outcome(runID)
	return out, nil
}

// Outcome returns the result of a finished run still held in memory.
func (r *Runner) Outcome(runID string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outcomes[runID]
	return out, ok
}

// Busy reports whether a run is active.
func (r *Runner) Busy() bool { return r.pool.Metrics().Active > 0 }

// Shutdown stops the active run, if any, and waits for it.
func (r *Runner) Shutdown() {
	if r.Busy() {
		r.Stop()
	}
	r.pool.Shutdown()
}

func (r *Runner) keep(id string, res schema.AttemptResult, err error) {
	out := Outcome{Result: res}
	if err != nil {
		out.Error = err.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = out
	r.order = append(r.order, id)
	delete(r.done, id)
	for len(r.order) > maxKeptOutcomes {
		delete(r.outcomes, r.order[0])
		r.order = r.order[1:]
	}
}
