// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts the single piece of wall-clock scheduling a
// background loop needs — a periodic wake source — the way the teacher's
// own internal/clock abstracts time for its simulated kernel provider
// (internal/kernel/provider_sim.go's clock.MockClock). Everywhere else in
// this module that needs "now", callers pass a time.Time explicitly (C6's
// Tracker.Record, C7's BlockStore.Transition) and have no need of this
// package.
package clock

import "time"

// Ticker is the subset of *time.Ticker a background wake loop consumes.
// Production code takes one of these instead of calling time.NewTicker
// directly so tests can substitute a manually-driven fake.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time    { return r.t.C }
func (r realTicker) Reset(d time.Duration)  { r.t.Reset(d) }
func (r realTicker) Stop()                  { r.t.Stop() }

// NewRealTicker builds a Ticker backed by time.NewTicker(d).
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
