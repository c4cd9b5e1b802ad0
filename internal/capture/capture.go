// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture implements the packet ingestion adapter (spec.md §4.1, C1):
// a live Linux raw-socket reader and a deterministic in-memory simulator
// behind the same Adapter interface, both feeding a *queueing.Queue.
package capture

import (
	"sync"
	"time"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/queueing"
)

// Adapter is a packet source that can be started against a network interface
// and stopped idempotently (spec.md §4.1).
type Adapter interface {
	// Start begins capture on iface, pushing up to maxPackets records (0 means
	// unbounded) into the queue, until Stop is called or the process ends.
	Start(iface string, maxPackets int) error
	// Stop halts capture. Calling Stop more than once, or before Start, is a
	// no-op.
	Stop() error
	// Running reports whether capture is currently active.
	Running() bool
	// Done returns a channel that closes when capture stops on its own —
	// maxPackets reached, or Stop called — so a caller waiting on a bounded
	// run can tell that apart from an external interrupt.
	Done() <-chan struct{}
	// SetPacketLogger attaches (pl non-nil) or detaches (nil) a CSV sink
	// every subsequently captured record is appended to.
	SetPacketLogger(pl *PacketLogger)
}

// base holds the fields every Adapter implementation shares: the output
// queue, a pool to avoid per-packet allocation, a logger, and the
// started/stopped bookkeeping needed for idempotent Start/Stop.
type base struct {
	queue *queueing.Queue
	pool  *queueing.PacketPool
	log   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	captured   int
	maxPackets int
	start      time.Time

	packetLog *PacketLogger
}

// SetPacketLogger attaches (or detaches, with nil) a CSV packet logger every
// subsequently emitted record is appended to. It must be called before
// Start, or between Stop and the next Start, since emit reads it without a
// lock for the hot path's sake.
func (b *base) SetPacketLogger(pl *PacketLogger) {
	b.packetLog = pl
}

func newBase(q *queueing.Queue, pool *queueing.PacketPool, log *logging.Logger) base {
	if log == nil {
		log = logging.WithComponent("capture")
	}
	if pool == nil {
		pool = queueing.NewPacketPool()
	}
	return base{queue: q, pool: pool, log: log}
}

// markStarted transitions to running, returning false if already running.
func (b *base) markStarted(maxPackets int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return false
	}
	b.running = true
	b.maxPackets = maxPackets
	b.captured = 0
	b.start = time.Now()
	b.stopCh = make(chan struct{})
	return true
}

func (b *base) markStopped() (alreadyStopped bool, stopCh chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return true, nil
	}
	b.running = false
	return false, b.stopCh
}

func (b *base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Done returns the channel markStarted created, closed by markStopped's
// caller (Stop). Safe to call before Start: returns nil, which a select
// simply never receives from.
func (b *base) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopCh
}

// emit pushes rec onto the queue, applies the budget of maxPackets if set,
// and reports whether the caller's read loop should keep going.
func (b *base) emit(rec *model.PacketRecord) (keepGoing bool) {
	rec.TimestampMS = time.Since(b.start).Milliseconds()
	if b.packetLog != nil {
		b.packetLog.Log(rec, time.Now())
	}
	b.queue.Push(rec)

	b.mu.Lock()
	b.captured++
	budgetExceeded := b.maxPackets > 0 && b.captured >= b.maxPackets
	b.mu.Unlock()

	return !budgetExceeded
}

// InterfaceChoice is the outcome of the interface-selection rule (spec.md
// §4.1): prefer an interface with IPv4 connectivity and a default route,
// else the first non-loopback interface that is administratively up, else
// fail.
type InterfaceChoice struct {
	Name        string
	HasDefault  bool
	HasIPv4     bool
	IsLoopback  bool
	Operational bool
}

// ErrNoUsableInterface is returned by SelectInterface when no candidate
// satisfies either branch of the selection rule.
type errNoUsableInterface struct{}

func (errNoUsableInterface) Error() string { return "capture: no usable network interface found" }

// ErrNoUsableInterface is the sentinel returned when interface selection
// exhausts every candidate.
var ErrNoUsableInterface error = errNoUsableInterface{}
