// Package sharedstate holds the process-wide flags consulted by every
// worker and by the coordinator at every phase boundary.
package sharedstate

import (
	"sync/atomic"

	"github.com/cuemby/iobench/internal/errs"
)

// SharedPhaseState carries the interrupt and time-limit flags. It is never
// cleared mid-phase: once set, a flag stays set until Reset. On a service
// the control server resets it on PREPAREPHASE and INTERRUPTPHASE; the
// master never resets its own state during a run.
type SharedPhaseState struct {
	gotUserInterruptSignal atomic.Bool
	isPhaseTimeExpired     atomic.Bool
}

// New creates a fresh, unset SharedPhaseState.
func New() *SharedPhaseState {
	return &SharedPhaseState{}
}

// SetUserInterrupt is called by the signal handler installed by
// internal/signaling when SIGINT/SIGTERM arrives.
func (s *SharedPhaseState) SetUserInterrupt() {
	s.gotUserInterruptSignal.Store(true)
}

// GotUserInterrupt reports whether a user interrupt signal was observed.
func (s *SharedPhaseState) GotUserInterrupt() bool {
	return s.gotUserInterruptSignal.Load()
}

// SetPhaseTimeExpired is called by the phase time-limit timer.
func (s *SharedPhaseState) SetPhaseTimeExpired() {
	s.isPhaseTimeExpired.Store(true)
}

// IsPhaseTimeExpired reports whether the current phase's time limit tripped.
func (s *SharedPhaseState) IsPhaseTimeExpired() bool {
	return s.isPhaseTimeExpired.Load()
}

// Reset clears both flags. Called by the control server's PREPAREPHASE and
// INTERRUPTPHASE handlers, never mid-phase.
func (s *SharedPhaseState) Reset() {
	s.gotUserInterruptSignal.Store(false)
	s.isPhaseTimeExpired.Store(false)
}

// CheckBoundary is the phase-boundary check required immediately before and
// after every benchmark phase: it fails with InterruptedError
// if the user asked to stop, else with TimeLimitError if the phase timer
// expired. A late interrupt observed on the post-phase call still surfaces
// as a run failure, which is why the coordinator calls this twice.
func (s *SharedPhaseState) CheckBoundary() error {
	if s.GotUserInterrupt() {
		return errs.NewInterruptedError("terminating due to interrupt signal")
	}
	if s.IsPhaseTimeExpired() {
		return errs.NewTimeLimitError("terminating due to phase time limit")
	}
	return nil
}
