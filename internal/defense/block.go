// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package defense

import (
	"sync"
	"time"

	"grimm.is/warden/internal/model"
)

// BlockStore owns the per-address BlockRecord map exclusively (spec.md
// §4.7, point 4): every mutation goes through it, and its internal scheduler
// drives WARN/TEMP expiry.
type BlockStore struct {
	mu      sync.Mutex
	records map[string]*model.BlockRecord
	timers  map[string]*time.Timer

	onExpire func(addr string, kind model.BlockKind)
}

// NewBlockStore creates an empty store. onExpire, if non-nil, is invoked
// (off the locked path) whenever a scheduled WARN or TEMP block reaches its
// TTL and the caller should unblock it at the firewall layer.
func NewBlockStore(onExpire func(addr string, kind model.BlockKind)) *BlockStore {
	return &BlockStore{
		records:  make(map[string]*model.BlockRecord),
		timers:   make(map[string]*time.Timer),
		onExpire: onExpire,
	}
}

// Get returns the current record for addr, if any.
func (s *BlockStore) Get(addr string) (model.BlockRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[addr]
	if !ok {
		return model.BlockRecord{}, false
	}
	return *r, true
}

// CurrentKind returns the block state for addr, UNKNOWN (model.BlockNone) if
// untracked.
func (s *BlockStore) CurrentKind(addr string) model.BlockKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[addr]; ok {
		return r.Kind
	}
	return model.BlockNone
}

// Transition implements the one-way state machine from spec.md §4.7:
// UNKNOWN -> WARN(10m) -> TEMP(30m) -> PERM, driven by accumulation
// escalations and C7's own PERM promotion decisions. A transition to a
// lower-priority state than the current one is rejected (e.g. WARN over an
// existing TEMP), except the terminal "manual unblock" path (Unblock).
func (s *BlockStore) Transition(addr string, kind model.BlockKind, now time.Time, ruleIDs []string) (model.BlockRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[addr]
	if ok && existing.Kind >= kind {
		return *existing, false
	}

	rec := &model.BlockRecord{
		Addr:      addr,
		Kind:      kind,
		CreatedAt: now,
		RuleIDs:   ruleIDs,
	}

	switch kind {
	case model.BlockWarn:
		rec.ExpiresAt = now.Add(model.WarnTTL)
	case model.BlockTemp:
		rec.ExpiresAt = now.Add(model.TempTTL)
	case model.BlockPerm:
		// zero ExpiresAt: permanent, never scheduled for removal.
	}

	s.records[addr] = rec
	s.cancelTimerLocked(addr)
	if !rec.ExpiresAt.IsZero() {
		s.scheduleLocked(addr, kind, rec.ExpiresAt.Sub(now))
	}

	return *rec, true
}

// Promote escalates addr directly to PERM, cancelling any pending WARN/TEMP
// expiry timer (spec.md §4.7: "Schedulers are cancelled if the record is
// promoted to PERM before expiry").
func (s *BlockStore) Promote(addr string, now time.Time) (model.BlockRecord, bool) {
	return s.Transition(addr, model.BlockPerm, now, nil)
}

// Unblock removes addr's record entirely and cancels any pending timer; this
// is the one path that can move a record "backward" (spec.md §4.7: "one-way
// except via manual unblock").
func (s *BlockStore) Unblock(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, addr)
	s.cancelTimerLocked(addr)
}

// Verify marks addr's record as firewall-verified, set once C7 confirms the
// platform rule actually exists (spec.md §4.7, point 2).
func (s *BlockStore) Verify(addr string, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[addr]; ok {
		r.Verified = verified
	}
}

// UpdateRuleIDs replaces the platform-filter rule identifiers recorded for
// addr without altering its Kind or expiry, used by the reconciliation loop
// after re-applying a rule the firewall had lost.
func (s *BlockStore) UpdateRuleIDs(addr string, ruleIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[addr]; ok {
		r.RuleIDs = ruleIDs
	}
}

// Snapshot returns a copy of every tracked BlockRecord, used by persistence
// and the statistics API.
func (s *BlockStore) Snapshot() []model.BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BlockRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// Restore seeds the store at startup from persisted/scanned block state
// without scheduling expiry timers for entries already past their TTL
// (spec.md §4.7's union-of-sources load).
func (s *BlockStore) Restore(recs []model.BlockRecord, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range recs {
		r := recs[i]
		s.records[r.Addr] = &r
		if !r.ExpiresAt.IsZero() {
			if remaining := r.ExpiresAt.Sub(now); remaining > 0 {
				s.scheduleLocked(r.Addr, r.Kind, remaining)
			}
		}
	}
}

func (s *BlockStore) cancelTimerLocked(addr string) {
	if t, ok := s.timers[addr]; ok {
		t.Stop()
		delete(s.timers, addr)
	}
}

func (s *BlockStore) scheduleLocked(addr string, kind model.BlockKind, d time.Duration) {
	s.timers[addr] = time.AfterFunc(d, func() {
		s.mu.Lock()
		r, ok := s.records[addr]
		expired := ok && r.Kind == kind
		s.mu.Unlock()
		if !expired {
			return
		}

		// onExpire runs while the record is still present, so it can read
		// the RuleIDs it must retract; the record is removed afterwards.
		if s.onExpire != nil {
			s.onExpire(addr, kind)
		}

		s.mu.Lock()
		if cur, ok := s.records[addr]; ok && cur == r {
			delete(s.records, addr)
			delete(s.timers, addr)
		}
		s.mu.Unlock()
	})
}
