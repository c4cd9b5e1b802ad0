// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package defense implements the defense executor (spec.md §4.7, C7): the
// block state machine, platform-filter rule application, and the
// protected-range refusal and verify-or-retract contract that makes
// defensive actions atomic from the rest of the pipeline's point of view.
package defense

import (
	"sync"
	"time"

	"grimm.is/warden/internal/accumulation"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/model"
)

// ReconcileInterval is the default cadence for Executor.Reconcile
// (spec.md §9 open question default: periodic re-scan every 60s).
const ReconcileInterval = 60 * time.Second

// Outcome is the result of one Execute call.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNoop         // ActionAllow or a conservative action that doesn't touch the firewall
	OutcomeProtectedRange
	OutcomeApplyFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeProtectedRange:
		return "protected_range"
	case OutcomeApplyFailed:
		return "apply_failed"
	default:
		return "noop"
	}
}

// Alert is emitted for every consequential Execute call (spec.md §4.7,
// point 4: "emit an alert event").
type Alert struct {
	Addr      string
	Action    model.Action
	Outcome   Outcome
	Level     model.ThreatLevel
	Timestamp time.Time
}

// Stats accumulates the counters the statistics API (C12) reports for the
// defense executor.
type Stats struct {
	Applied         int64
	ProtectedRange  int64
	ApplyFailed     int64
	Promotions      int64
}

// Executor is the defense executor. It is safe for concurrent use: Execute
// serializes per-address state transitions through BlockStore, which owns
// its own lock.
type Executor struct {
	store     *BlockStore
	firewall  FirewallApplier
	tracker   *accumulation.Tracker
	log       *logging.Logger
	onAlert   func(Alert)

	actionHistory *ActionHistory

	statsMu sync.Mutex
	stats   Stats
}

// NewExecutor wires a BlockStore, a FirewallApplier, and the accumulation
// tracker C7 consults for escalation (spec.md §4.6: "Accumulation is
// read-only to the rest of the system except C7").
func NewExecutor(firewall FirewallApplier, tracker *accumulation.Tracker, log *logging.Logger, onAlert func(Alert)) *Executor {
	if log == nil {
		log = logging.WithComponent("defense")
	}
	e := &Executor{firewall: firewall, tracker: tracker, log: log, onAlert: onAlert, actionHistory: NewActionHistory()}
	e.store = NewBlockStore(e.handleExpiry)
	return e
}

// Store exposes the underlying BlockStore for the statistics API and
// startup persistence restore.
func (e *Executor) Store() *BlockStore { return e.store }

// ActionHistory exposes the capped defense-action log for persistence at
// shutdown (spec.md §6: defense_actions_history.json).
func (e *Executor) ActionHistory() *ActionHistory { return e.actionHistory }

// Execute implements the central contract of spec.md §4.7 for a single
// (PacketRecord, ClassifierOutput, Action) triple. rec.Source.Addr is the
// address any defensive action targets.
func (e *Executor) Execute(rec *model.PacketRecord, out model.ClassifierOutput, level model.ThreatLevel, action model.Action) Outcome {
	addr := rec.Source.Addr
	now := time.Now()
	e.recordAction(rec, out, action, now)

	// 1. Protected-range refusal (spec.md §4.7, point 1).
	if IsProtectedRange(addr) && actionIsBlocking(action) {
		e.log.Warn("refusing defensive action against protected-range address", "addr", addr, "action", action.String())
		e.recordOutcome(OutcomeProtectedRange)
		e.emit(addr, action, OutcomeProtectedRange, level, now)
		return OutcomeProtectedRange
	}

	switch action {
	case model.ActionBlockTemp:
		return e.applyBlock(addr, model.BlockTemp, action, level, now)
	case model.ActionBlockPerm:
		return e.applyBlock(addr, model.BlockPerm, action, level, now)
	default:
		e.recordOutcome(OutcomeNoop)
		return OutcomeNoop
	}
}

// ExecuteEscalation applies an accumulation-driven escalation (spec.md
// §4.6/§4.7) without a fresh classifier verdict, used when C6 reports a
// threshold crossing for an address the pipeline has already classified in
// the past.
func (e *Executor) ExecuteEscalation(addr string, esc accumulation.Escalation) Outcome {
	now := time.Now()
	var action model.Action
	var kind model.BlockKind
	var level model.ThreatLevel
	switch esc {
	case accumulation.EscalationTempBlock:
		action, kind, level = model.ActionBlockTemp, model.BlockTemp, model.ThreatMedium
	case accumulation.EscalationWarnBlock:
		action, kind, level = model.ActionRateLimit, model.BlockWarn, model.ThreatLow
	default:
		return OutcomeNoop
	}
	if e.actionHistory != nil {
		e.actionHistory.Record(ActionHistoryEntry{Timestamp: now, SourceIP: addr, Action: action.String()})
	}
	return e.applyBlock(addr, kind, action, level, now)
}

func (e *Executor) applyBlock(addr string, kind model.BlockKind, action model.Action, level model.ThreatLevel, now time.Time) Outcome {
	if IsProtectedRange(addr) {
		e.recordOutcome(OutcomeProtectedRange)
		e.emit(addr, action, OutcomeProtectedRange, level, now)
		return OutcomeProtectedRange
	}

	// WARN blocks (rate_limit escalation) don't touch the firewall layer;
	// only TEMP/PERM install platform-filter rules (spec.md §4.7, point 2).
	var ruleIDs []string
	if kind == model.BlockTemp || kind == model.BlockPerm {
		applied, err := e.firewall.Apply(addr)
		if err != nil {
			e.log.Error("failed to apply block rule", "addr", addr, "error", err.Error())
			e.recordOutcome(OutcomeApplyFailed)
			e.emit(addr, action, OutcomeApplyFailed, level, now)
			return OutcomeApplyFailed
		}
		if !e.firewall.Verify(applied) {
			_ = e.firewall.Retract(applied)
			e.log.Error("block rule verification failed, retracted", "addr", addr)
			e.recordOutcome(OutcomeApplyFailed)
			e.emit(addr, action, OutcomeApplyFailed, level, now)
			return OutcomeApplyFailed
		}
		ruleIDs = applied
	}

	_, transitioned := e.store.Transition(addr, kind, now, ruleIDs)
	if !transitioned {
		// Existing state is already at or past this severity; nothing new
		// to apply, but the caller still gets a successful outcome since
		// the address is (still) blocked.
		e.recordOutcome(OutcomeApplied)
		e.emit(addr, action, OutcomeApplied, level, now)
		return OutcomeApplied
	}
	e.store.Verify(addr, true)

	if kind == model.BlockPerm {
		e.statsMu.Lock()
		e.stats.Promotions++
		e.statsMu.Unlock()
	}

	e.tracker.Forget(addr)
	e.recordOutcome(OutcomeApplied)
	e.emit(addr, action, OutcomeApplied, level, now)
	return OutcomeApplied
}

// handleExpiry is invoked by BlockStore when a scheduled WARN/TEMP block's
// TTL elapses; it retracts the firewall rules, if any (spec.md §4.7, point
// 3).
func (e *Executor) handleExpiry(addr string, kind model.BlockKind) {
	rec, ok := e.store.Get(addr)
	if ok && rec.Kind == kind && len(rec.RuleIDs) > 0 {
		if err := e.firewall.Retract(rec.RuleIDs); err != nil {
			e.log.Warn("failed to retract expired block rule", "addr", addr, "error", err.Error())
		}
	}
	e.log.Info("block expired", "addr", addr, "kind", kind.String())
}

func (e *Executor) recordOutcome(o Outcome) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	switch o {
	case OutcomeApplied:
		e.stats.Applied++
	case OutcomeProtectedRange:
		e.stats.ProtectedRange++
	case OutcomeApplyFailed:
		e.stats.ApplyFailed++
	}
}

func (e *Executor) emit(addr string, action model.Action, outcome Outcome, level model.ThreatLevel, now time.Time) {
	if e.onAlert == nil {
		return
	}
	e.onAlert(Alert{Addr: addr, Action: action, Outcome: outcome, Level: level, Timestamp: now})
}

// Stats returns a consistent snapshot of defense counters.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Reconcile re-scans the platform firewall for addresses this executor
// believes are under a TEMP/PERM block (defense_mechanism.py's
// _sync_with_firewall, and spec.md §4.7's open question: "a block verifies
// successfully at apply time but a later scan finds the rule gone"). A
// missing rule is re-applied once; if the re-apply or its verification also
// fails, the address is demoted to UNKNOWN (Unblock) and the loss is logged
// as Recoverable rather than leaving a stale, unenforced BlockRecord.
func (e *Executor) Reconcile() {
	scanned, err := e.firewall.ScanBlocked()
	if err != nil {
		e.log.Warn("firewall reconciliation scan failed", "error", errors.Wrap(err, errors.KindRecoverable, "scan blocked addresses").Error())
		return
	}

	present := make(map[string]bool, len(scanned))
	for _, addr := range scanned {
		present[addr] = true
	}

	for _, rec := range e.store.Snapshot() {
		if rec.Kind != model.BlockTemp && rec.Kind != model.BlockPerm {
			continue
		}
		if present[rec.Addr] {
			continue
		}

		ruleIDs, applyErr := e.firewall.Apply(rec.Addr)
		if applyErr == nil && e.firewall.Verify(ruleIDs) {
			e.store.UpdateRuleIDs(rec.Addr, ruleIDs)
			e.log.Info("reconciliation re-applied a missing block rule", "addr", rec.Addr, "kind", rec.Kind.String())
			continue
		}

		e.store.Unblock(rec.Addr)
		reason := "rule verification failed after re-apply"
		if applyErr != nil {
			reason = applyErr.Error()
		}
		e.log.Warn("reconciliation could not restore a missing block rule, demoted to unknown",
			"addr", rec.Addr, "kind", rec.Kind.String(),
			"error", errors.Errorf(errors.KindRecoverable, "%s", reason).Error())
	}
}

func actionIsBlocking(a model.Action) bool {
	switch a {
	case model.ActionBlockTemp, model.ActionBlockPerm, model.ActionIsolate:
		return true
	default:
		return false
	}
}
