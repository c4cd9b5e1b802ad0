// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rlagent

import (
	"math"

	"grimm.is/warden/internal/model"
)

// adamBeta1, adamBeta2, adamEps are the standard Adam defaults; spec.md
// §4.8 only pins the learning rate.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
	gradClip  = 1.0
)

// Batch is one minibatch sampled from the replay buffer (C9), already
// assembled by the caller with per-sample importance weights.
type Batch struct {
	States     []RLStateLike
	Actions    []int
	Rewards    []float64
	NextStates []RLStateLike
	Dones      []bool
	Weights    []float64 // importance-sampling weights w_i
}

// RLStateLike is model.RLState by another name, avoiding an import cycle
// concern by letting callers pass the concrete array type directly.
type RLStateLike = [InputDim]float64

// TrainStep performs one Double-DQN + CQL update (spec.md §4.8):
//
//	q = Qθ(s)[a]
//	a* = argmax_a Qθ(s')[a]                      (online net picks the action)
//	q̂ = r + γ(1-done)·Qθ−(s')[a*]                 (target net evaluates it)
//	L_td = mean(w·(q-q̂)²)
//	L_cql = mean(logsumexp_a Qθ(s)[a] - q)
//	L = L_td + αcql·L_cql
//
// It returns the per-sample |TD error| for C9's priority update.
func TrainStep(online, target *QNetwork, batch Batch, gamma, alphaCQL, lr float64) []float64 {
	n := len(batch.States)
	if n == 0 {
		return nil
	}

	grad1 := zeroLayerGrad(online.L1)
	grad2 := zeroLayerGrad(online.L2)
	grad3 := zeroLayerGrad(online.L3)

	tdErrors := make([]float64, n)

	for i := 0; i < n; i++ {
		s := model.RLState(batch.States[i])
		cache := online.forwardWithCache(s)
		q := cache.q

		qNextOnline := online.Predict(model.RLState(batch.NextStates[i]))
		aStar := argmax(qNextOnline)

		qTarget := target.Predict(model.RLState(batch.NextStates[i]))
		doneFactor := 1.0
		if batch.Dones[i] {
			doneFactor = 0.0
		}
		qHat := batch.Rewards[i] + gamma*doneFactor*qTarget[aStar]

		a := batch.Actions[i]
		tdError := q[a] - qHat
		tdErrors[i] = math.Abs(tdError)

		w := 1.0
		if i < len(batch.Weights) {
			w = batch.Weights[i]
		}

		// dL_td/dQ[a'] is nonzero only at a' == a.
		dQ := make([]float64, OutputDim)
		dQ[a] += 2.0 * w * tdError / float64(n)

		// dL_cql/dQ[a'] = softmax(Q)[a'] - 1{a'==a}, scaled by alphaCQL/n.
		sm := softmax(q)
		for a2 := 0; a2 < OutputDim; a2++ {
			delta := sm[a2]
			if a2 == a {
				delta -= 1
			}
			dQ[a2] += alphaCQL * delta / float64(n)
		}

		backpropSample(online, cache, dQ, grad1, grad2, grad3)
	}

	clipGradNorm(gradClip, grad1, grad2, grad3)
	applyAdam(online.L1, grad1, lr)
	applyAdam(online.L2, grad2, lr)
	applyAdam(online.L3, grad3, lr)

	return tdErrors
}

func argmax(q [OutputDim]float64) int {
	best := 0
	for i := 1; i < OutputDim; i++ {
		if q[i] > q[best] {
			best = i
		}
	}
	return best
}

func softmax(q []float64) []float64 {
	max := q[0]
	for _, v := range q {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	out := make([]float64, len(q))
	for i, v := range q {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// layerGrad accumulates dL/dW and dL/dB for one layer across a minibatch.
type layerGrad struct {
	dW [][]float64
	dB []float64
}

func zeroLayerGrad(l *layer) *layerGrad {
	g := &layerGrad{dW: make([][]float64, len(l.W)), dB: make([]float64, len(l.B))}
	for o := range l.W {
		g.dW[o] = make([]float64, len(l.W[o]))
	}
	return g
}

// backpropSample propagates dQ (gradient of the loss w.r.t. the network's
// linear output) back through L3, L2, L1, accumulating into grad1/2/3.
func backpropSample(n *QNetwork, c *forwardCache, dQ []float64, grad1, grad2, grad3 *layerGrad) {
	// Layer 3 (linear): dL/dW3[o][i] = dQ[o] * h2[i]; dL/dh2[i] = sum_o dQ[o]*W3[o][i]
	dH2 := make([]float64, len(c.h2))
	for o := range dQ {
		grad3.dB[o] += dQ[o]
		row := n.L3.W[o]
		for i, h := range c.h2 {
			grad3.dW[o][i] += dQ[o] * h
			dH2[i] += dQ[o] * row[i]
		}
	}
	// ReLU derivative at h2
	for i := range dH2 {
		if c.h2[i] <= 0 {
			dH2[i] = 0
		}
	}

	dH1 := make([]float64, len(c.h1))
	for o := range dH2 {
		grad2.dB[o] += dH2[o]
		row := n.L2.W[o]
		for i, h := range c.h1 {
			grad2.dW[o][i] += dH2[o] * h
			dH1[i] += dH2[o] * row[i]
		}
	}
	for i := range dH1 {
		if c.h1[i] <= 0 {
			dH1[i] = 0
		}
	}

	for o := range dH1 {
		grad1.dB[o] += dH1[o]
		for i, xi := range c.x {
			grad1.dW[o][i] += dH1[o] * xi
		}
	}
}

// clipGradNorm rescales every gradient in grads in place so their combined
// L2 norm does not exceed maxNorm (spec.md §4.8: "gradient clipped to L2
// norm 1.0").
func clipGradNorm(maxNorm float64, grads ...*layerGrad) {
	sumSq := 0.0
	for _, g := range grads {
		for _, row := range g.dW {
			for _, v := range row {
				sumSq += v * v
			}
		}
		for _, v := range g.dB {
			sumSq += v * v
		}
	}
	norm := math.Sqrt(sumSq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for _, g := range grads {
		for o := range g.dW {
			for i := range g.dW[o] {
				g.dW[o][i] *= scale
			}
		}
		for o := range g.dB {
			g.dB[o] *= scale
		}
	}
}

func applyAdam(l *layer, g *layerGrad, lr float64) {
	l.adamStep++
	t := float64(l.adamStep)
	for o := range l.W {
		for i := range l.W[o] {
			l.mW[o][i] = adamBeta1*l.mW[o][i] + (1-adamBeta1)*g.dW[o][i]
			l.vW[o][i] = adamBeta2*l.vW[o][i] + (1-adamBeta2)*g.dW[o][i]*g.dW[o][i]
			mHat := l.mW[o][i] / (1 - math.Pow(adamBeta1, t))
			vHat := l.vW[o][i] / (1 - math.Pow(adamBeta2, t))
			l.W[o][i] -= lr * mHat / (math.Sqrt(vHat) + adamEps)
		}
		l.mB[o] = adamBeta1*l.mB[o] + (1-adamBeta1)*g.dB[o]
		l.vB[o] = adamBeta2*l.vB[o] + (1-adamBeta2)*g.dB[o]*g.dB[o]
		mHat := l.mB[o] / (1 - math.Pow(adamBeta1, t))
		vHat := l.vB[o] / (1 - math.Pow(adamBeta2, t))
		l.B[o] -= lr * mHat / (math.Sqrt(vHat) + adamEps)
	}
}
