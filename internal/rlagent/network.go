// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rlagent implements the response-policy agent (spec.md §4.8, C8):
// a small Conservative Q-Learning agent over a hand-rolled MLP. No
// tensor/autodiff library exists anywhere in the example corpus (checked:
// no repository's go.mod or source imports one), so the network, its
// backward pass, and Adam are implemented directly rather than wrapping a
// missing dependency.
package rlagent

import (
	"math"
	"math/rand"

	"grimm.is/warden/internal/model"
)

// HiddenUnits is the width of both hidden layers (spec.md §4.8: "two layers
// ~64 units").
const HiddenUnits = 64

// InputDim and OutputDim are fixed by model.RLStateDim and model.NumActions.
const (
	InputDim  = model.RLStateDim
	OutputDim = model.NumActions
)

// layer holds one dense layer's weights, bias, and Adam moment estimates.
// adamStep counts calls to applyAdam for this layer, so the bias-correction
// terms (1-beta^t) anneal across the training run instead of staying pinned
// to their first-step values.
type layer struct {
	W, mW, vW [][]float64 // [out][in]
	B, mB, vB []float64   // [out]
	adamStep  int
}

func newLayer(in, out int, rng *rand.Rand) *layer {
	l := &layer{
		W:  make([][]float64, out),
		mW: make([][]float64, out),
		vW: make([][]float64, out),
		B:  make([]float64, out),
		mB: make([]float64, out),
		vB: make([]float64, out),
	}
	// He initialization, appropriate for the ReLU hidden layers and a
	// reasonable default for the linear output layer too.
	scale := math.Sqrt(2.0 / float64(in))
	for o := 0; o < out; o++ {
		l.W[o] = make([]float64, in)
		l.mW[o] = make([]float64, in)
		l.vW[o] = make([]float64, in)
		for i := 0; i < in; i++ {
			l.W[o][i] = rng.NormFloat64() * scale
		}
	}
	return l
}

func (l *layer) forward(x []float64, relu bool) []float64 {
	out := make([]float64, len(l.B))
	for o := range out {
		sum := l.B[o]
		row := l.W[o]
		for i, xi := range x {
			sum += row[i] * xi
		}
		if relu && sum < 0 {
			sum = 0
		}
		out[o] = sum
	}
	return out
}

// QNetwork is a 3-layer MLP: InputDim -> HiddenUnits (ReLU) -> HiddenUnits
// (ReLU) -> OutputDim (linear Q-values), per spec.md §4.8.
type QNetwork struct {
	L1, L2, L3 *layer
	rng        *rand.Rand
}

// NewQNetwork builds a freshly initialized network. seed makes
// initialization reproducible for tests.
func NewQNetwork(seed int64) *QNetwork {
	rng := rand.New(rand.NewSource(seed))
	return &QNetwork{
		L1:  newLayer(InputDim, HiddenUnits, rng),
		L2:  newLayer(HiddenUnits, HiddenUnits, rng),
		L3:  newLayer(HiddenUnits, OutputDim, rng),
		rng: rng,
	}
}

// forwardCache retains per-layer activations needed for backprop.
type forwardCache struct {
	x  []float64
	h1 []float64 // post-ReLU
	h2 []float64 // post-ReLU
	q  []float64 // linear output
}

func (n *QNetwork) forwardWithCache(state model.RLState) *forwardCache {
	x := state[:]
	h1 := n.L1.forward(x, true)
	h2 := n.L2.forward(h1, true)
	q := n.L3.forward(h2, false)
	return &forwardCache{x: append([]float64(nil), x...), h1: h1, h2: h2, q: q}
}

// Predict returns the Q-values for state.
func (n *QNetwork) Predict(state model.RLState) [OutputDim]float64 {
	c := n.forwardWithCache(state)
	var out [OutputDim]float64
	copy(out[:], c.q)
	return out
}

// CloneWeights returns a deep copy of n's parameters, together with its Adam
// moments and step counter, used to build the frozen target network.
func (n *QNetwork) CloneWeights() *QNetwork {
	clone := &QNetwork{L1: cloneLayer(n.L1), L2: cloneLayer(n.L2), L3: cloneLayer(n.L3), rng: n.rng}
	return clone
}

func cloneLayer(l *layer) *layer {
	c := &layer{
		W:  make([][]float64, len(l.W)),
		mW: make([][]float64, len(l.W)),
		vW: make([][]float64, len(l.W)),
		B:        append([]float64(nil), l.B...),
		mB:       append([]float64(nil), l.mB...),
		vB:       append([]float64(nil), l.vB...),
		adamStep: l.adamStep,
	}
	for i, row := range l.W {
		c.W[i] = append([]float64(nil), row...)
		c.mW[i] = append([]float64(nil), l.mW[i]...)
		c.vW[i] = append([]float64(nil), l.vW[i]...)
	}
	return c
}

// SoftUpdateFrom nudges every parameter toward src by factor tau, the
// target-network update from spec.md §4.8.
func (n *QNetwork) SoftUpdateFrom(src *QNetwork, tau float64) {
	softLayer(n.L1, src.L1, tau)
	softLayer(n.L2, src.L2, tau)
	softLayer(n.L3, src.L3, tau)
}

// parameterCount returns the number of weight and bias scalars in l.
func (l *layer) parameterCount() int {
	n := len(l.B)
	for _, row := range l.W {
		n += len(row)
	}
	return n
}

// ParameterCount returns the total number of learnable scalars across the
// online network's three layers (the Python original's model-size report
// surfaced via get_model_info).
func (n *QNetwork) ParameterCount() int {
	return n.L1.parameterCount() + n.L2.parameterCount() + n.L3.parameterCount()
}

func softLayer(dst, src *layer, tau float64) {
	for o := range dst.W {
		for i := range dst.W[o] {
			dst.W[o][i] += tau * (src.W[o][i] - dst.W[o][i])
		}
		dst.B[o] += tau * (src.B[o] - dst.B[o])
	}
}
