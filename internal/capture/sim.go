// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"github.com/gopacket/gopacket"

	werrors "grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/queueing"
)

// SimAdapter is a deterministic, allocation-light capture source for tests
// and the non-Linux build: callers hand it decoded packets directly via
// Inject rather than reading a live socket (spec.md §8 scenario replay).
type SimAdapter struct {
	base
	iface string
}

// NewSimAdapter builds a simulator Adapter writing into q.
func NewSimAdapter(q *queueing.Queue, log *logging.Logger) *SimAdapter {
	return &SimAdapter{base: newBase(q, nil, log)}
}

// Start arms the adapter to accept Inject calls against the named
// interface. maxPackets bounds how many Inject calls are accepted before
// further injections are silently ignored, mirroring the live adapter's
// budget.
func (a *SimAdapter) Start(iface string, maxPackets int) error {
	if !a.markStarted(maxPackets) {
		return werrors.New(werrors.KindRecoverable, "capture adapter already running")
	}
	a.iface = iface
	return nil
}

// Stop disarms the adapter; subsequent Inject calls are no-ops.
func (a *SimAdapter) Stop() error {
	already, stopCh := a.markStopped()
	if already {
		return nil
	}
	close(stopCh)
	return nil
}

// Inject decodes pkt and pushes the resulting record onto the queue,
// reporting whether it was accepted (false if not running, the packet
// carried no usable network layer, or the capture budget was already
// exhausted).
func (a *SimAdapter) Inject(pkt gopacket.Packet) bool {
	if !a.Running() {
		return false
	}

	getter := &poolGetter{get: a.pool.Get}
	rec := decode(pkt, getter)
	if rec == nil {
		return false
	}

	if !a.emit(rec) {
		a.Stop()
	}
	return true
}

// Iface returns the interface name Start was last called with, for test
// assertions.
func (a *SimAdapter) Iface() string { return a.iface }
