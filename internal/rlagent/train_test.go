// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rlagent

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyAdamStepCounterIncrementsAcrossCalls(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := newLayer(2, 2, rng)
	g := zeroLayerGrad(l)
	for o := range g.dW {
		for i := range g.dW[o] {
			g.dW[o][i] = 0.1
		}
		g.dB[o] = 0.1
	}

	assert.Equal(t, 0, l.adamStep)
	applyAdam(l, g, 1e-3)
	assert.Equal(t, 1, l.adamStep)
	applyAdam(l, g, 1e-3)
	assert.Equal(t, 2, l.adamStep)
}

// TestApplyAdamBiasCorrectionAnneals replays the same gradient twice against
// a fresh layer. With a real step counter, the corrections (1-beta^t) exactly
// undo the moments' warm-up for a constant gradient, so both steps apply the
// same delta. If applyAdam recomputed t=1 on every call (the bug this guards
// against), step two would be over-corrected and its delta about 1.34 times
// larger.
func TestApplyAdamBiasCorrectionAnneals(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := newLayer(1, 1, rng)
	l.W[0][0] = 0
	g := zeroLayerGrad(l)
	g.dW[0][0] = 1.0

	applyAdam(l, g, 0.1)
	afterStep1 := l.W[0][0]

	applyAdam(l, g, 0.1)
	deltaStep2 := l.W[0][0] - afterStep1

	assert.InDelta(t, afterStep1, deltaStep2, 1e-9, "a constant gradient must yield the same bias-corrected Adam step twice")
}
