package engine

import (
	"context"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

// DelayPolicy tunes the cancellable delay.
type DelayPolicy struct {
	// PollInterval is how often a long wait checks for a stop request.
	PollInterval time.Duration `json:"poll_interval"`
	// StopGrace is the part of a wait that is always slept out. Waits no
	// longer than StopGrace ignore stop requests entirely.
	StopGrace time.Duration `json:"stop_grace"`
}

// DefaultDelayPolicy polls every 30ms with a 5s grace.
func DefaultDelayPolicy() DelayPolicy {
	return DelayPolicy{PollInterval: 30 * time.Millisecond, StopGrace: 5 * time.Second}
}

// Sleeper implements the delay primitive used by click post-delays and
// delay nodes. Short waits keep click timing steady; long waits give up
// their remainder once the grace has passed and a stop is observed.
type Sleeper struct {
	policy  DelayPolicy
	stopped func() bool
	now     func() time.Time
}

// NewSleeper creates a Sleeper that consults stopped while polling.
func NewSleeper(policy DelayPolicy, stopped func() bool) *Sleeper {
	def := DefaultDelayPolicy()
	if policy.PollInterval <= 0 {
		policy.PollInterval = def.PollInterval
	}
	if policy.StopGrace < 0 {
		policy.StopGrace = def.StopGrace
	}
	if stopped == nil {
		stopped = func() bool { return false }
	}
	return &Sleeper{policy: policy, stopped: stopped, now: time.Now}
}

// Delay waits for d. It returns false when a stop request cut the wait
// short, and a CANCELLED error when ctx ended first.
func (s *Sleeper) Delay(ctx context.Context, d time.Duration) (bool, error) {
	if d <= 0 {
		return true, nil
	}
	if d <= s.policy.StopGrace {
		return true, sleepCtx(ctx, d)
	}

	start := s.now()
	for {
		elapsed := s.now().Sub(start)
		remaining := d - elapsed
		if remaining <= 0 {
			return true, nil
		}
		if elapsed > s.policy.StopGrace && s.stopped() {
			return false, nil
		}
		if err := sleepCtx(ctx, min(remaining, s.policy.PollInterval)); err != nil {
			return false, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
	}
}
