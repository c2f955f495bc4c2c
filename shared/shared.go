// Package shared holds the process-wide cancellation and pause flags
// (spec.md §5 "Cancellation"/"Timeouts").
package shared

import "sync/atomic"

// Flags is the `shared` object spec.md refers to: a stopped flag every
// loop checks at its next iteration, and a paused flag the catch-up worker
// sets while the daemon is warming up. Request servicing does not consult
// the paused flag: the request queue keeps dispatching while it is set.
type Flags struct {
	stopped int32
	paused  int32
}

func New() *Flags { return &Flags{} }

// Stop requests every loop terminate at its next check.
func (f *Flags) Stop() { atomic.StoreInt32(&f.stopped, 1) }

// Stopped reports whether Stop has been called.
func (f *Flags) Stopped() bool { return atomic.LoadInt32(&f.stopped) == 1 }

// Pause sets the paused flag, used when the daemon reports it is warming up
// (JSON-RPC code -28).
func (f *Flags) Pause() { atomic.StoreInt32(&f.paused, 1) }

// Unpause clears the paused flag.
func (f *Flags) Unpause() { atomic.StoreInt32(&f.paused, 0) }

// Paused reports whether the service is currently paused.
func (f *Flags) Paused() bool { return atomic.LoadInt32(&f.paused) == 1 }
