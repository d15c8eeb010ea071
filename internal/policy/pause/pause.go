// Package pause provides the politeness delay used between page loads.
package pause

import (
	"context"
	"time"
)

// Pauser abstracts how a run backs off between requests.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// Timer pauses using a real timer and returns early when ctx is done.
type Timer struct{}

// Pause implements Pauser.
func (Timer) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Recorder is a Pauser that records delays without sleeping.
type Recorder struct {
	Delays []time.Duration
}

// Pause implements Pauser.
func (r *Recorder) Pause(_ context.Context, delay time.Duration) {
	r.Delays = append(r.Delays, delay)
}
