package engine

import (
	"context"
	"sync/atomic"
)

// modifierKey tracks whether the "hold while clicking" key is down so the
// key is only toggled when a click needs a different state. Only the
// executor changes it; status readers may load it concurrently.
type modifierKey struct {
	input Input
	held  atomic.Bool
}

// set brings the key to want. The recorded state only changes once the
// capability call succeeds.
func (k *modifierKey) set(ctx context.Context, want bool) error {
	if k.held.Load() == want {
		return nil
	}
	if err := k.input.SetModifierKey(ctx, want); err != nil {
		return err
	}
	k.held.Store(want)
	return nil
}

// release lets go of the key if it is down. It runs on cleanup paths, so it
// ignores cancellation of ctx.
func (k *modifierKey) release(ctx context.Context) (bool, error) {
	if !k.held.Load() {
		return false, nil
	}
	if err := k.input.SetModifierKey(context.WithoutCancel(ctx), false); err != nil {
		return false, err
	}
	k.held.Store(false)
	return true, nil
}
