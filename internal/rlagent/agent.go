// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rlagent

import (
	"encoding/json"
	"math/rand"
	"os"
	"sync"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// Hyperparameters mirrors internal/config's reinforcement_learning block
// (spec.md §4.8/§6), kept local so rlagent has no dependency on config.
type Hyperparameters struct {
	AlphaCQL     float64
	Tau          float64
	Gamma        float64
	LearningRate float64
	Epsilon      float64
	EpsilonMin   float64
	EpsilonDecay float64
}

// Agent is the response-policy agent (spec.md §4.8): an online Q-network, a
// soft-updated target network, and epsilon-greedy action selection biased
// toward conservative actions while exploring.
type Agent struct {
	mu     sync.Mutex
	online *QNetwork
	target *QNetwork
	hp     Hyperparameters
	rng    *rand.Rand
}

// NewAgent builds an Agent with freshly initialized weights.
func NewAgent(hp Hyperparameters, seed int64) *Agent {
	online := NewQNetwork(seed)
	return &Agent{
		online: online,
		target: online.CloneWeights(),
		hp:     hp,
		rng:    rand.New(rand.NewSource(seed + 1)),
	}
}

// Act selects an action for state. When deterministic is true, or the
// epsilon-greedy roll favors exploitation, it returns argmax Qθ(state).
// Otherwise it samples uniformly from model.ConservativeActions (spec.md
// §4.8: never an outright block while exploring).
func (a *Agent) Act(state model.RLState, deterministic bool) model.Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !deterministic && a.rng.Float64() < a.hp.Epsilon {
		pick := model.ConservativeActions[a.rng.Intn(len(model.ConservativeActions))]
		return pick
	}

	q := a.online.Predict(state)
	return model.Action(argmax(q))
}

// DecayEpsilon applies one decay step (spec.md §4.8: "decays by factor 0.999
// per update to floor 0.01"), called once per online-trainer wake.
func (a *Agent) DecayEpsilon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hp.Epsilon *= a.hp.EpsilonDecay
	if a.hp.Epsilon < a.hp.EpsilonMin {
		a.hp.Epsilon = a.hp.EpsilonMin
	}
}

// Epsilon returns the agent's current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hp.Epsilon
}

// Train runs one Double-DQN + CQL update and soft-updates the target net.
// It returns the per-sample |TD error| for the replay buffer's priority
// update (spec.md §4.8: "After each update, TD errors are written back to
// C9 as new priorities").
func (a *Agent) Train(batch Batch) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	tdErrors := TrainStep(a.online, a.target, batch, a.hp.Gamma, a.hp.AlphaCQL, a.hp.LearningRate)
	a.target.SoftUpdateFrom(a.online, a.hp.Tau)
	return tdErrors
}

// Predict exposes the online network's raw Q-values, used by C13's
// doubly-robust and direct-method estimators.
func (a *Agent) Predict(state model.RLState) [OutputDim]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online.Predict(state)
}

// ParameterCount returns the number of learnable scalars in the online
// network, for C12's model-size introspection.
func (a *Agent) ParameterCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online.ParameterCount()
}

// ModelSizeBytes estimates the online network's footprint as its parameter
// count times 8 bytes (float64 weights/biases), mirroring the Python
// original's get_model_info size report.
func (a *Agent) ModelSizeBytes() int64 {
	return int64(a.ParameterCount()) * 8
}

// checkpoint is the on-disk shape for Save/Load (spec.md §4.8: "model state
// and its hyperparameters ... are serialized together").
type checkpoint struct {
	StateSize  int              `json:"state_size"`
	ActionSize int              `json:"action_size"`
	Hyper      Hyperparameters  `json:"hyperparameters"`
	Online     networkWeights   `json:"online"`
	Target     networkWeights   `json:"target"`
}

type networkWeights struct {
	L1 layerWeights `json:"l1"`
	L2 layerWeights `json:"l2"`
	L3 layerWeights `json:"l3"`
}

type layerWeights struct {
	W [][]float64 `json:"w"`
	B []float64   `json:"b"`
}

func dumpLayer(l *layer) layerWeights {
	return layerWeights{W: l.W, B: l.B}
}

func loadLayer(l *layer, w layerWeights) {
	for o := range l.W {
		copy(l.W[o], w.W[o])
	}
	copy(l.B, w.B)
}

// Save serializes the agent's weights and hyperparameters to path.
func (a *Agent) Save(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := checkpoint{
		StateSize:  InputDim,
		ActionSize: OutputDim,
		Hyper:      a.hp,
		Online:     networkWeights{L1: dumpLayer(a.online.L1), L2: dumpLayer(a.online.L2), L3: dumpLayer(a.online.L3)},
		Target:     networkWeights{L1: dumpLayer(a.target.L1), L2: dumpLayer(a.target.L2), L3: dumpLayer(a.target.L3)},
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, errors.KindRecoverable, "marshal agent checkpoint")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "write agent checkpoint %q", path)
	}
	return nil
}

// Load restores weights and hyperparameters from path, verifying
// state_size/action_size match this agent's dimensions (spec.md §4.8).
func (a *Agent) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "read agent checkpoint %q", path)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return errors.Wrapf(err, errors.KindRecoverable, "parse agent checkpoint %q", path)
	}
	if cp.StateSize != InputDim || cp.ActionSize != OutputDim {
		return errors.Errorf(errors.KindRecoverable, "checkpoint dims (%d,%d) do not match agent dims (%d,%d)",
			cp.StateSize, cp.ActionSize, InputDim, OutputDim)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	loadLayer(a.online.L1, cp.Online.L1)
	loadLayer(a.online.L2, cp.Online.L2)
	loadLayer(a.online.L3, cp.Online.L3)
	loadLayer(a.target.L1, cp.Target.L1)
	loadLayer(a.target.L2, cp.Target.L2)
	loadLayer(a.target.L3, cp.Target.L3)
	a.hp = cp.Hyper
	return nil
}
