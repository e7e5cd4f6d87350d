package core

import "sync/atomic"

// RunOnce guards the side-effecting action of a plugin that is meaningful only
// once per scan. The zero value is in the NotStarted state.
type RunOnce struct {
	done atomic.Bool
}

// Begin moves NotStarted to Completed and returns nil. In the Completed state it
// returns ErrRunOnce.
func (r *RunOnce) Begin() error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrRunOnce
	}
	return nil
}

// Completed reports whether Begin has already succeeded.
func (r *RunOnce) Completed() bool {
	return r.done.Load()
}
