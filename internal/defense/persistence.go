// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package defense

import (
	"encoding/json"
	"os"
	"time"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// historyRecord is the on-disk shape of one block history entry, kept
// intentionally smaller than model.BlockRecord: RuleIDs and Verified are not
// persisted, and RestoreAtStartup does not re-apply rules, so a record
// restored from history carries no RuleIDs.
type historyRecord struct {
	Addr      string          `json:"addr"`
	Kind      model.BlockKind `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// LoadHistory reads the local JSON history log (spec.md §4.7,
// Persistence). A missing file is not an error: it means no prior blocks
// are known.
func LoadHistory(path string) ([]model.BlockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.KindRecoverable, "read block history %q", path)
	}

	var entries []historyRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, errors.KindRecoverable, "parse block history %q", path)
	}

	out := make([]model.BlockRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.BlockRecord{
			Addr:      e.Addr,
			Kind:      e.Kind,
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return out, nil
}

// SaveHistory persists the current block set, overwriting path atomically
// via a temp-file rename so a crash mid-write never corrupts it.
func SaveHistory(path string, recs []model.BlockRecord) error {
	entries := make([]historyRecord, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, historyRecord{Addr: r.Addr, Kind: r.Kind, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindRecoverable, "marshal block history")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "write block history temp file %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "rename block history into place %q", path)
	}
	return nil
}

// RestoreAtStartup implements spec.md §4.7's persistence contract: union
// the JSON history log with whatever the platform firewall currently shows
// blocked, then seed the BlockStore. Addresses present only in the firewall
// scan are restored as BlockPerm with no expiry, since their original
// CreatedAt/TTL metadata isn't recoverable from a bare rule name.
func RestoreAtStartup(store *BlockStore, historyPath string, firewall FirewallApplier, now time.Time) error {
	history, err := LoadHistory(historyPath)
	if err != nil {
		return err
	}

	scanned, err := firewall.ScanBlocked()
	if err != nil {
		return errors.Wrap(err, errors.KindRecoverable, "scan firewall for existing IDS block rules")
	}

	seen := make(map[string]bool, len(history))
	merged := make([]model.BlockRecord, 0, len(history)+len(scanned))
	for _, r := range history {
		seen[r.Addr] = true
		merged = append(merged, r)
	}
	for _, addr := range scanned {
		if seen[addr] {
			continue
		}
		merged = append(merged, model.BlockRecord{Addr: addr, Kind: model.BlockPerm, CreatedAt: now, Verified: true})
	}

	store.Restore(merged, now)
	return nil
}
