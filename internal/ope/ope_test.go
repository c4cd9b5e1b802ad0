// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/rlagent"
)

func testAgent() *rlagent.Agent {
	return rlagent.NewAgent(rlagent.Hyperparameters{
		AlphaCQL:     1.0,
		Tau:          0.005,
		Gamma:        0.99,
		LearningRate: 1e-4,
		Epsilon:      0.1,
		EpsilonMin:   0.01,
		EpsilonDecay: 0.999,
	}, 7)
}

func sampleEntry(action model.Action, reward, behaviorProb float64) LogEntry {
	return LogEntry{
		State:        model.NewRLState(0.6, 0.7, model.AttackDDoS, model.ThreatHigh, 0.2, 0.1, 0.5, 0.2, 4, 0.3),
		Action:       action,
		Reward:       reward,
		NextState:    model.NewRLState(0.3, 0.7, model.AttackDDoS, model.ThreatLow, 0.2, 0.1, 0.2, 0.2, 2, 0.3),
		BehaviorProb: behaviorProb,
	}
}

func TestTargetPolicyProbSumsToOne(t *testing.T) {
	q := [rlagent.OutputDim]float64{0.1, 0.9, -0.2, 0.4, 0.05, -0.3}
	epsilon := 0.1

	total := 0.0
	for a := 0; a < rlagent.OutputDim; a++ {
		total += targetPolicyProb(q, epsilon, model.Action(a))
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestEvaluateSmallLogUsesBootstrapCI(t *testing.T) {
	agent := testAgent()
	log := make([]LogEntry, 10)
	for i := range log {
		log[i] = sampleEntry(model.ActionAllow, float64(i), 0.2)
	}

	report := Evaluate(log, agent, 0.1, 1)

	assert.NotZero(t, report.IS.CIUpper-report.IS.CILower)
	assert.GreaterOrEqual(t, report.Confidence, 0.5)
}

func TestEvaluateLargeLogUsesNormalApproxCI(t *testing.T) {
	agent := testAgent()
	log := make([]LogEntry, 50)
	for i := range log {
		if i%2 == 0 {
			log[i] = sampleEntry(model.ActionBlockTemp, 5.0, 0.25)
		} else {
			log[i] = sampleEntry(model.ActionAllow, -1.0, 0.3)
		}
	}

	report := Evaluate(log, agent, 0.1, 2)

	require.NotZero(t, report.DM.Value)
	assert.GreaterOrEqual(t, report.Confidence, 0.5)
	assert.LessOrEqual(t, report.Confidence, 1.0)
}

func TestEvaluateEmptyLogReturnsZeroReport(t *testing.T) {
	agent := testAgent()
	report := Evaluate(nil, agent, 0.1, 3)
	assert.Equal(t, Report{}, report)
}

func TestImportanceWeightIsClamped(t *testing.T) {
	agent := testAgent()
	// A near-zero behavior probability would blow the raw ratio well past
	// the clip; the resulting IS estimate must still be finite and bounded
	// by maxImportanceWeight * reward.
	log := []LogEntry{sampleEntry(model.ActionBlockTemp, 2.0, 1e-6)}
	for i := 1; i < 30; i++ {
		log = append(log, sampleEntry(model.ActionBlockTemp, 2.0, 1e-6))
	}

	report := Evaluate(log, agent, 0.1, 4)

	assert.LessOrEqual(t, report.IS.Value, maxImportanceWeight*2.0+1e-9)
}

func TestConsensusIsUnweightedMeanOfFourEstimators(t *testing.T) {
	r := Report{
		IS:  Estimate{Value: 1.0},
		WIS: Estimate{Value: 2.0},
		DR:  Estimate{Value: 3.0},
		DM:  Estimate{Value: 4.0},
	}.withConsensus()

	assert.InDelta(t, 2.5, r.Consensus, 1e-9)
}

func TestConfidenceFlooredAtHalf(t *testing.T) {
	r := Report{
		IS:  Estimate{Value: -100.0},
		WIS: Estimate{Value: 100.0},
		DR:  Estimate{Value: -50.0},
		DM:  Estimate{Value: 50.0},
	}.withConsensus()

	assert.Equal(t, 0.5, r.Confidence)
}

func TestCompareRecommendsHigherConsensusPolicy(t *testing.T) {
	e := Evaluator{Agent: testAgent(), Epsilon: 0.1, Seed: 9}

	strong := make(PolicyLog, 40)
	weak := make(PolicyLog, 40)
	for i := range strong {
		strong[i] = sampleEntry(model.ActionBlockTemp, 5.0, 0.3)
		weak[i] = sampleEntry(model.ActionAllow, -5.0, 0.3)
	}

	result := e.Compare(strong, weak)

	assert.Equal(t, result.A, e.Evaluate(strong))
	assert.Equal(t, result.B, e.Evaluate(weak))
	assert.Equal(t, "a", result.Recommended)
}
