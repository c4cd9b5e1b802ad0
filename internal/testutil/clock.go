// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds fixtures shared across this module's tests.
package testutil

import "time"

// FakeTicker is a manually-driven clock.Ticker: Tick sends one synthetic
// wake-up and blocks until the consuming loop has received it, so a test
// never needs a real time.Sleep to synchronize with a background goroutine.
// Grounded on the teacher's clock.MockClock (internal/kernel/provider_sim.go),
// trimmed to the one operation C10's trainer loop actually needs.
type FakeTicker struct {
	ch chan time.Time
}

// NewFakeTicker returns a FakeTicker ready to drive a trainer.Trainer (or
// any other clock.Ticker consumer) one tick at a time.
func NewFakeTicker() *FakeTicker {
	return &FakeTicker{ch: make(chan time.Time)}
}

func (f *FakeTicker) C() <-chan time.Time   { return f.ch }
func (f *FakeTicker) Reset(time.Duration)   {}
func (f *FakeTicker) Stop()                 {}

// Tick sends one synthetic wake-up at t, blocking until the consumer's
// select receives it.
func (f *FakeTicker) Tick(t time.Time) {
	f.ch <- t
}
