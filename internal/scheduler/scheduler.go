// Package scheduler reports the progress of a running attempt loop on a
// cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/pkg/schema"
)

// DefaultSchedule reports every ten seconds.
const DefaultSchedule = "@every 10s"

// StatusSource is satisfied by *engine.AttemptLoop.
type StatusSource interface {
	Status() engine.Status
}

// Reporter periodically logs the attempts and elapsed time of the active
// run and records a progress event for it. Nothing is reported while no
// run is active.
type Reporter struct {
	source   StatusSource
	emitter  engine.Logger
	appender engine.EventAppender
	logger   *slog.Logger
	parser   cron.Parser
	schedule cron.Schedule
	spec     string
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	lastMu sync.Mutex
	last   map[string]int // attempts at the previous report, per run
}

// NewReporter parses spec (standard 5-field cron or a descriptor such as
// "@every 10s"). emitter and appender may be nil.
func NewReporter(source StatusSource, emitter engine.Logger, appender engine.EventAppender, spec string, logger *slog.Logger) (*Reporter, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		source:   source,
		emitter:  emitter,
		appender: appender,
		logger:   logger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		spec:     spec,
		now:      time.Now,
		last:     make(map[string]int),
	}
	sched, err := r.parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "parse progress schedule %q", spec).WithCause(err)
	}
	r.schedule = sched
	return r, nil
}

// Start launches the background reporting loop.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("progress reporter already started")
	}
	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(rctx)
	r.logger.Info("progress reporter started", slog.String("schedule", r.spec))
	return nil
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.done)

	for {
		wait := r.NextRun(r.now()).Sub(r.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Tick(ctx)
		}
	}
}

// Tick reports the active run once and reports whether it did.
func (r *Reporter) Tick(ctx context.Context) bool {
	s := r.source.Status()
	if s.Status != schema.RunStatusRunning || s.RunID == "" {
		r.forgetFinished(s.RunID)
		return false
	}

	r.lastMu.Lock()
	delta := s.Attempts - r.last[s.RunID]
	r.last[s.RunID] = s.Attempts
	r.lastMu.Unlock()

	ctx = logging.WithRunID(ctx, s.RunID)
	elapsed := s.Elapsed.Round(time.Second)
	if r.emitter != nil {
		r.emitter.Emit(ctx, schema.LogInfo, "progress",
			"attempts", s.Attempts, "max_attempts", s.Max, "elapsed", elapsed, "since_last", delta)
	}
	r.logger.DebugContext(ctx, "progress tick", slog.Int("attempts", s.Attempts))

	if r.appender != nil {
		ev := &schema.Event{
			RunID:   s.RunID,
			Type:    schema.EventProgress,
			Payload: fmt.Appendf(nil, `{"attempts":%d,"max_attempts":%d,"elapsed_ms":%d,"source":"schedule"}`, s.Attempts, s.Max, s.Elapsed.Milliseconds()),
		}
		if err := r.appender.AppendEvent(ctx, ev); err != nil {
			r.logger.Warn("progress event not recorded", slog.String("error", err.Error()))
		}
	}
	return true
}

func (r *Reporter) forgetFinished(runID string) {
	if runID == "" {
		return
	}
	r.lastMu.Lock()
	delete(r.last, runID)
	r.lastMu.Unlock()
}

// NextRun returns the next report time after from.
func (r *Reporter) NextRun(from time.Time) time.Time {
	return r.schedule.Next(from)
}

// Stop shuts the loop down and waits for it.
func (r *Reporter) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("progress reporter stopped")
	return nil
}
