// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ope implements the off-policy evaluator (spec.md §4.13, C13):
// offline estimation of a candidate policy's expected return from a log of
// behavior-policy tuples, via importance sampling, weighted importance
// sampling, the direct method, and doubly-robust estimation. It never
// mutates C8 or C9; it only reads an already-trained agent's Q-function.
package ope

import (
	"math"
	"math/rand"

	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/rlagent"
)

// maxImportanceWeight is the clip applied to every IS weight to control
// variance (spec.md §4.13: "IS weights are clipped to 10").
const maxImportanceWeight = 10.0

// bootstrapResamples is the resample count used when n < 30 (spec.md
// §4.13).
const bootstrapResamples = 1000

// minNormalApprox is the sample threshold above which a Gaussian normal
// approximation replaces the bootstrap for confidence intervals.
const minNormalApprox = 30

// LogEntry is one behavior-policy transition from the logged rollout
// (spec.md §4.13): `{state, action, reward, next_state, behavior_prob}`.
type LogEntry struct {
	State        model.RLState
	Action       model.Action
	Reward       float64
	NextState    model.RLState
	BehaviorProb float64 // probability the logging (behavior) policy assigned to Action
}

// Estimate is one estimator's result: a point estimate and a confidence
// interval (spec.md §4.13).
type Estimate struct {
	Value   float64
	CILower float64
	CIUpper float64
}

// Report bundles all four estimators plus the evaluator's consensus and
// confidence (spec.md §4.13: "consensus is the unweighted mean; confidence
// is 1 - std(estimates)/|mean|, floored at 0.5").
type Report struct {
	IS         Estimate
	WIS        Estimate
	DR         Estimate
	DM         Estimate
	Consensus  float64
	Confidence float64
}

// targetPolicyProb is the probability the evaluated epsilon-greedy policy
// (C8, at exploration rate epsilon) assigns to action in state, derived from the
// same epsilon-greedy / conservative-exploration rule Agent.Act uses.
func targetPolicyProb(q [rlagent.OutputDim]float64, epsilon float64, action model.Action) float64 {
	greedy := 0
	for i := 1; i < rlagent.OutputDim; i++ {
		if q[i] > q[greedy] {
			greedy = i
		}
	}

	isConservative := func(a int) bool {
		for _, c := range model.ConservativeActions {
			if int(c) == a {
				return true
			}
		}
		return false
	}

	nConservative := len(model.ConservativeActions)
	prob := 0.0
	if int(action) == greedy {
		prob += 1 - epsilon
	}
	if isConservative(int(action)) {
		prob += epsilon / float64(nConservative)
	}
	return prob
}

// Evaluate computes IS, WIS, DR, and DM estimates of agent's expected
// return under the policy it currently encodes, given a log of
// behavior-policy transitions.
func Evaluate(log []LogEntry, agent *rlagent.Agent, epsilon float64, seed int64) Report {
	n := len(log)
	if n == 0 {
		return Report{}
	}

	weights := make([]float64, n)
	perSampleIS := make([]float64, n)
	perSampleDM := make([]float64, n)
	perSampleDR := make([]float64, n)

	for i, e := range log {
		q := agent.Predict(e.State)
		targetProb := targetPolicyProb(q, epsilon, e.Action)

		w := targetProb / math.Max(e.BehaviorProb, 1e-9)
		if w > maxImportanceWeight {
			w = maxImportanceWeight
		}
		weights[i] = w

		perSampleIS[i] = w * e.Reward

		dm := directMethodValue(q, epsilon)
		perSampleDM[i] = dm

		qSA := q[e.Action]
		perSampleDR[i] = dm + w*(e.Reward-qSA)
	}

	rng := rand.New(rand.NewSource(seed))

	isEst := mean(perSampleIS)
	dmEst := mean(perSampleDM)
	drEst := mean(perSampleDR)

	wisEst := weightedImportanceSamplingMean(perSampleIS, weights)
	// WIS's per-sample terms for CI purposes are the IS terms normalized by
	// the mean weight, which keeps the bootstrap/normal-approx machinery
	// uniform across estimators.
	wisSamples := make([]float64, n)
	meanWeight := mean(weights)
	if meanWeight == 0 {
		meanWeight = 1
	}
	for i := range wisSamples {
		wisSamples[i] = perSampleIS[i] / meanWeight
	}

	return Report{
		IS:        estimateWithCI(perSampleIS, isEst, rng),
		WIS:       estimateWithCI(wisSamples, wisEst, rng),
		DR:        estimateWithCI(perSampleDR, drEst, rng),
		DM:        estimateWithCI(perSampleDM, dmEst, rng),
		Consensus: 0, // filled in below
	}.withConsensus()
}

func (r Report) withConsensus() Report {
	vals := []float64{r.IS.Value, r.WIS.Value, r.DR.Value, r.DM.Value}
	r.Consensus = mean(vals)

	sd := stddev(vals, r.Consensus)
	confidence := 1.0
	if r.Consensus != 0 {
		confidence = 1 - sd/math.Abs(r.Consensus)
	} else if sd > 0 {
		// std/|mean| is unbounded when the estimates cancel out.
		confidence = 0
	}
	if confidence < 0.5 {
		confidence = 0.5
	}
	r.Confidence = confidence
	return r
}

// directMethodValue is sum_a pi(a|s) * Q(s,a) for the evaluated epsilon-
// greedy policy, the model-based value estimate DM and DR both use.
func directMethodValue(q [rlagent.OutputDim]float64, epsilon float64) float64 {
	v := 0.0
	for a := 0; a < rlagent.OutputDim; a++ {
		v += targetPolicyProb(q, epsilon, model.Action(a)) * q[a]
	}
	return v
}

func weightedImportanceSamplingMean(perSampleIS, weights []float64) float64 {
	sumW := sum(weights)
	if sumW == 0 {
		return 0
	}
	return sum(perSampleIS) / sumW
}

// estimateWithCI builds an Estimate from per-sample values, using a
// Gaussian normal approximation when n >= 30, else a bootstrap of 1000
// resamples (spec.md §4.13).
func estimateWithCI(samples []float64, point float64, rng *rand.Rand) Estimate {
	n := len(samples)
	if n == 0 {
		return Estimate{}
	}
	if n >= minNormalApprox {
		sd := stddev(samples, point)
		margin := 1.96 * sd / math.Sqrt(float64(n))
		return Estimate{Value: point, CILower: point - margin, CIUpper: point + margin}
	}

	means := make([]float64, bootstrapResamples)
	resample := make([]float64, n)
	for b := 0; b < bootstrapResamples; b++ {
		for i := 0; i < n; i++ {
			resample[i] = samples[rng.Intn(n)]
		}
		means[b] = mean(resample)
	}
	lo, hi := percentile(means, 2.5), percentile(means, 97.5)
	return Estimate{Value: point, CILower: lo, CIUpper: hi}
}

func percentile(vals []float64, p float64) float64 {
	sorted := append([]float64(nil), vals...)
	insertionSort(sorted)
	idx := int(p / 100 * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// insertionSort avoids pulling in "sort" for a once-per-evaluation, small-n
// (1000-element) sort; simple and allocation-free beyond the initial copy.
func insertionSort(vals []float64) {
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return sum(vals) / float64(len(vals))
}

func sum(vals []float64) float64 {
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s
}

// PolicyLog names a logged rollout passed to Evaluator.Compare, distinct
// from a bare []LogEntry only for readability at call sites.
type PolicyLog []LogEntry

// ComparisonResult bundles two policies' evaluation reports with a
// recommendation, mirroring the Python original's compare_policies /
// _generate_recommendation.
type ComparisonResult struct {
	A, B        Report
	Recommended string // "a" or "b": whichever log's consensus estimate is higher
}

// Evaluator pins the agent, exploration rate, and RNG seed a set of
// evaluations and comparisons run against, so callers don't have to
// re-pass them on every call.
type Evaluator struct {
	Agent   *rlagent.Agent
	Epsilon float64
	Seed    int64
}

// Evaluate runs Evaluate(log, e.Agent, e.Epsilon, e.Seed).
func (e Evaluator) Evaluate(log PolicyLog) Report {
	return Evaluate(log, e.Agent, e.Epsilon, e.Seed)
}

// Compare evaluates both logs and recommends whichever has the higher
// consensus estimate (the original's _generate_recommendation).
func (e Evaluator) Compare(a, b PolicyLog) ComparisonResult {
	ra := e.Evaluate(a)
	rb := e.Evaluate(b)

	recommended := "a"
	if rb.Consensus > ra.Consensus {
		recommended = "b"
	}
	return ComparisonResult{A: ra, B: rb, Recommended: recommended}
}

func stddev(vals []float64, mean float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	ss := 0.0
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}
