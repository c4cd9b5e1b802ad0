// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package defense

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// maxActionHistory and actionHistoryTrimCount implement spec.md §6's
// defense_actions_history.json cap: "when size exceeds 1000, the oldest 20%
// are dropped before save."
const (
	maxActionHistory       = 1000
	actionHistoryTrimCount = maxActionHistory / 5
)

// ActionHistoryEntry is one row of spec.md §6's defense_actions_history.json.
type ActionHistoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	SourceIP   string    `json:"source_ip"`
	Protocol   string    `json:"protocol"`
	Confidence float64   `json:"confidence"`
	Action     string    `json:"action"`
}

// ActionHistory is an in-memory, size-capped log of every defensive
// decision the Executor has made, independent of the per-address
// BlockStore's current-state view.
type ActionHistory struct {
	mu      sync.Mutex
	entries []ActionHistoryEntry
}

// NewActionHistory creates an empty history.
func NewActionHistory() *ActionHistory {
	return &ActionHistory{}
}

// Record appends one entry, dropping the oldest 20% once the log exceeds
// maxActionHistory entries.
func (h *ActionHistory) Record(entry ActionHistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > maxActionHistory {
		h.entries = append([]ActionHistoryEntry{}, h.entries[actionHistoryTrimCount:]...)
	}
}

// Snapshot returns a copy of the current history.
func (h *ActionHistory) Snapshot() []ActionHistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ActionHistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// SaveActionHistory persists entries to path atomically via a temp-file
// rename, matching SaveHistory's crash-safety (spec.md §6).
func SaveActionHistory(path string, entries []ActionHistoryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindRecoverable, "marshal defense actions history")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "write defense actions history temp file %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "rename defense actions history into place %q", path)
	}
	return nil
}

// recordAction appends one ActionHistoryEntry for rec/out/action, a no-op if
// the executor has no history attached.
func (e *Executor) recordAction(rec *model.PacketRecord, out model.ClassifierOutput, action model.Action, now time.Time) {
	if e.actionHistory == nil {
		return
	}
	e.actionHistory.Record(ActionHistoryEntry{
		Timestamp:  now,
		SourceIP:   rec.Source.Addr,
		Protocol:   rec.Protocol.String(),
		Confidence: out.Confidence,
		Action:     action.String(),
	})
}
