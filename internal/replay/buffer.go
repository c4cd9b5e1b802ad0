// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replay

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"sync"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// Capacity, Alpha, priorityEps are fixed by spec.md §4.9.
const (
	Capacity    = 10000
	Alpha       = 0.6
	BetaStart   = 0.4
	BetaEnd     = 1.0
	priorityEps = 1e-6
)

// MinMaliciousReserve is ceil(0.3*K): the minimum number of malicious
// experiences retained when the buffer is saturated and such experiences
// exist (spec.md §4.9's invariant).
var MinMaliciousReserve = int(math.Ceil(0.3 * float64(Capacity)))

// sequenceLength mirrors the Python original's experience_replay_buffer.py
// sequence_length=10: the number of most-recent experiences kept per
// source address for future sequence-aware models.
const sequenceLength = 10

// Buffer is the prioritized replay buffer. States/actions/etc are stored
// in contiguous slices indexed by a circular write cursor, exactly as
// spec.md §4.9 describes, with a sum-tree over p^alpha layered on top for
// sampling.
type Buffer struct {
	mu sync.Mutex

	experiences []model.Experience
	malicious   []bool
	tree        *sumTree

	size     int
	writeIdx int
	maxP     float64
	beta     float64

	rng *rand.Rand

	// attackTypeCounts and sequences are supplemental bookkeeping carried
	// over from the Python original (attack_type_stats, get_sequence_context)
	// that the spec distillation dropped: per-kind hit counts surfaced
	// through C12, and a short per-address history for sequence-aware
	// models. Neither affects sampling or eviction.
	attackTypeCounts map[model.AttackKind]int64
	sequences        map[string][]model.Experience
}

// New creates an empty Buffer of the fixed capacity K.
func New(seed int64) *Buffer {
	return &Buffer{
		experiences:      make([]model.Experience, Capacity),
		malicious:        make([]bool, Capacity),
		tree:             newSumTree(Capacity),
		maxP:             1.0,
		beta:             BetaStart,
		rng:              rand.New(rand.NewSource(seed)),
		attackTypeCounts: make(map[model.AttackKind]int64),
		sequences:        make(map[string][]model.Experience),
	}
}

// Len returns the number of experiences currently stored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Push inserts exp with priority p_max (spec.md §4.9). If the buffer is
// full and exp is malicious, the lowest-priority non-malicious slot is
// evicted first; otherwise eviction is circular (overwrite writeIdx), unless
// that slot is malicious and the malicious count is already at
// MinMaliciousReserve, in which case the lowest-priority non-malicious slot
// is evicted instead.
func (b *Buffer) Push(exp model.Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot := b.writeIdx
	if b.size == Capacity {
		if exp.Meta.IsMalicious {
			if victim, ok := b.lowestPriorityNonMaliciousLocked(); ok {
				slot = victim
			}
		} else if b.malicious[slot] && b.countMaliciousLocked() <= MinMaliciousReserve {
			// The circular cursor landed on a malicious slot while the
			// reserve is already at its floor; redirect to the
			// lowest-priority non-malicious slot instead (spec.md §4.9:
			// malicious share never falls below ceil(0.3*K)).
			if victim, ok := b.lowestPriorityNonMaliciousLocked(); ok {
				slot = victim
			}
		}
	}

	b.experiences[slot] = exp
	b.malicious[slot] = exp.Meta.IsMalicious
	b.tree.Update(slot, math.Pow(b.maxP, Alpha))

	if b.size < Capacity {
		b.size++
	}
	b.writeIdx = (b.writeIdx + 1) % Capacity

	b.attackTypeCounts[exp.Meta.AttackKind]++
	if addr := exp.Meta.SourceAddr; addr != "" {
		seq := append(b.sequences[addr], exp)
		if len(seq) > sequenceLength {
			seq = seq[len(seq)-sequenceLength:]
		}
		b.sequences[addr] = seq
	}
}

// AttackTypeCounts returns a snapshot of how many pushed experiences carried
// each attack kind, mirroring the Python original's attack_type_stats.
func (b *Buffer) AttackTypeCounts() map[model.AttackKind]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[model.AttackKind]int64, len(b.attackTypeCounts))
	for k, v := range b.attackTypeCounts {
		out[k] = v
	}
	return out
}

// SequenceContext returns the most recent pushed experiences (up to
// sequenceLength) whose source address is addr, oldest first, for future
// sequence-aware models (mirrors the Python original's get_sequence_context).
func (b *Buffer) SequenceContext(addr string) []model.Experience {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.sequences[addr]
	out := make([]model.Experience, len(seq))
	copy(out, seq)
	return out
}

func (b *Buffer) lowestPriorityNonMaliciousLocked() (int, bool) {
	best := -1
	bestP := math.Inf(1)
	for i := 0; i < Capacity; i++ {
		if b.malicious[i] {
			continue
		}
		p := b.tree.Priority(i)
		if p < bestP {
			bestP = p
			best = i
		}
	}
	return best, best >= 0
}

// countMaliciousLocked reports how many slots currently hold a malicious
// experience, consulted before an eviction would breach MinMaliciousReserve.
func (b *Buffer) countMaliciousLocked() int {
	n := 0
	for i := 0; i < b.size; i++ {
		if b.malicious[i] {
			n++
		}
	}
	return n
}

// Sample draws n experiences proportional to p^alpha via the sum-tree,
// returning the batch, their slot indices (for UpdatePriorities), and
// normalized importance weights w_i = (N·P(i))^(-beta) / max_w, where N is
// the number of stored experiences.
func (b *Buffer) Sample(n int) (batch []model.Experience, indices []int, weights []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 || n <= 0 {
		return nil, nil, nil
	}
	if n > b.size {
		n = b.size
	}

	total := b.tree.Total()
	if total <= 0 {
		return nil, nil, nil
	}

	segment := total / float64(n)
	batch = make([]model.Experience, 0, n)
	indices = make([]int, 0, n)
	rawWeights := make([]float64, 0, n)
	maxWeight := 0.0

	for i := 0; i < n; i++ {
		lo := segment * float64(i)
		hi := segment * float64(i+1)
		v := lo + b.rng.Float64()*(hi-lo)
		if v >= total {
			v = math.Nextafter(total, 0)
		}

		slot, priority := b.tree.Get(v)
		prob := priority / total
		w := math.Pow(float64(b.size)*prob, -b.beta)
		if w > maxWeight {
			maxWeight = w
		}

		batch = append(batch, b.experiences[slot])
		indices = append(indices, slot)
		rawWeights = append(rawWeights, w)
	}

	weights = make([]float64, len(rawWeights))
	for i, w := range rawWeights {
		weights[i] = w / maxWeight
	}

	b.beta += (BetaEnd - b.beta) * 0.01 // anneal toward 1.0 as training proceeds
	if b.beta > BetaEnd {
		b.beta = BetaEnd
	}

	return batch, indices, weights
}

// UpdatePriorities sets new priorities for the given slots, adding the
// epsilon floor and refreshing p_max (spec.md §4.9).
func (b *Buffer) UpdatePriorities(indices []int, newPriorities []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, slot := range indices {
		if i >= len(newPriorities) {
			break
		}
		p := math.Abs(newPriorities[i]) + priorityEps
		b.tree.Update(slot, math.Pow(p, Alpha))
		if p > b.maxP {
			b.maxP = p
		}
	}
}

// Beta returns the current importance-sampling exponent.
func (b *Buffer) Beta() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beta
}

// snapshot is the serializable form of a Buffer (spec.md §4.9).
type snapshot struct {
	StateSize   int                `json:"state_size"`
	Experiences []model.Experience `json:"experiences"`
	Malicious   []bool             `json:"malicious"`
	Size        int                `json:"size"`
	WriteIdx    int                `json:"write_idx"`
	MaxP        float64            `json:"max_p"`
	Beta        float64            `json:"beta"`
}

// Dump serializes the buffer's live entries to path.
func (b *Buffer) Dump(path string) error {
	b.mu.Lock()
	s := snapshot{
		StateSize:   model.RLStateDim,
		Experiences: append([]model.Experience(nil), b.experiences[:b.size]...),
		Malicious:   append([]bool(nil), b.malicious[:b.size]...),
		Size:        b.size,
		WriteIdx:    b.writeIdx,
		MaxP:        b.maxP,
		Beta:        b.beta,
	}
	b.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, errors.KindRecoverable, "marshal replay buffer snapshot")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "write replay buffer snapshot %q", path)
	}
	return nil
}

// Restore loads a previously Dump-ed buffer, rejecting a state_size
// mismatch (spec.md §4.9: "restoration validates state_size and rejects
// mismatches").
func Restore(path string, seed int64) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindRecoverable, "read replay buffer snapshot %q", path)
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, errors.KindRecoverable, "parse replay buffer snapshot %q", path)
	}
	if s.StateSize != model.RLStateDim {
		return nil, errors.Errorf(errors.KindRecoverable, "replay buffer state_size %d does not match %d", s.StateSize, model.RLStateDim)
	}

	b := New(seed)
	b.maxP = s.MaxP
	b.beta = s.Beta
	for i, exp := range s.Experiences {
		b.experiences[i] = exp
		b.malicious[i] = s.Malicious[i]
		b.tree.Update(i, math.Pow(b.maxP, Alpha))
	}
	b.size = s.Size
	b.writeIdx = s.WriteIdx % Capacity
	return b, nil
}
