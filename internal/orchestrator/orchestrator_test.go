// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/accumulation"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/defense"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/queueing"
	"grimm.is/warden/internal/replay"
	"grimm.is/warden/internal/rlagent"
	"grimm.is/warden/internal/stats"
	"grimm.is/warden/internal/threat"
)

// fakeFirewall is an in-memory defense.FirewallApplier test double.
type fakeFirewall struct{ applied map[string][]string }

func newFakeFirewall() *fakeFirewall { return &fakeFirewall{applied: map[string][]string{}} }

func (f *fakeFirewall) Apply(addr string) ([]string, error) {
	ids := []string{"rule-" + addr}
	f.applied[addr] = ids
	return ids, nil
}
func (f *fakeFirewall) Verify(ruleIDs []string) bool  { return true }
func (f *fakeFirewall) Retract(ruleIDs []string) error { return nil }
func (f *fakeFirewall) ScanBlocked() ([]string, error) { return nil, nil }

// stubClassifier always returns a fixed output, driving the pipeline
// deterministically without a real decision-tree artifact.
type stubClassifier struct {
	out model.ClassifierOutput
	err error
}

func (s stubClassifier) Predict(fv model.FeatureVector) (model.ClassifierOutput, error) {
	return s.out, s.err
}

func newTestLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"})
}

func buildOrchestrator(t *testing.T, out model.ClassifierOutput, rlEnabled bool) (*Orchestrator, *queueing.Queue, *fakeFirewall) {
	t.Helper()
	log := newTestLogger()
	q := queueing.New(100, log)
	pool := queueing.NewPacketPool()
	fw := newFakeFirewall()
	tracker := accumulation.New()
	executor := defense.NewExecutor(fw, tracker, log, nil)
	collector := stats.New(prometheus.NewRegistry())

	var agent *rlagent.Agent
	var buf *replay.Buffer
	if rlEnabled {
		agent = rlagent.NewAgent(rlagent.Hyperparameters{AlphaCQL: 1.0, Tau: 0.005, Gamma: 0.99, LearningRate: 1e-4, Epsilon: 0.0, EpsilonMin: 0.01, EpsilonDecay: 0.999}, 1)
		buf = replay.New(1)
	}

	o := New(Params{
		Queue:          q,
		Pool:           pool,
		FeatureMode:    "lightweight",
		Classifier:     stubClassifier{out: out},
		Thresholds:     threat.DefaultThresholds,
		Tracker:        tracker,
		Executor:       executor,
		RLEnabled:      rlEnabled,
		Agent:          agent,
		Buffer:         buf,
		Costs:          config.Default().Defense.PolicyEnvironment.Costs,
		StatsCollector: collector,
		Logger:         log,
	})
	return o, q, fw
}

func samplePacket(addr string) *model.PacketRecord {
	return &model.PacketRecord{
		Source:   model.Endpoint{Addr: addr, Port: 4444},
		Dest:     model.Endpoint{Addr: "10.0.0.5", Port: 80},
		Protocol: model.ProtoTCP,
		Length:   1200,
		TTL:      64,
	}
}

func TestDirectPathBlocksCriticalThreat(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.95, Confidence: 0.9, AttackKind: model.AttackDDoS}
	o, q, fw := buildOrchestrator(t, out, false)

	q.Push(samplePacket("203.0.113.9"))
	o.processBatch()

	assert.Contains(t, fw.applied, "203.0.113.9")
}

func TestDirectPathAllowsSafeTraffic(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.01, Confidence: 0.99, AttackKind: model.AttackNormal}
	o, q, fw := buildOrchestrator(t, out, false)

	q.Push(samplePacket("203.0.113.10"))
	o.processBatch()

	assert.Empty(t, fw.applied)
}

func TestRLPathRecordsExperience(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.95, Confidence: 0.9, AttackKind: model.AttackDDoS}
	o, q, _ := buildOrchestrator(t, out, true)

	q.Push(samplePacket("203.0.113.11"))
	o.processBatch()

	require.NotNil(t, o.buffer)
	assert.Equal(t, 1, o.buffer.Len())
}

func TestProtectedRangeRefusesBlock(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.95, Confidence: 0.9, AttackKind: model.AttackDDoS}
	o, q, fw := buildOrchestrator(t, out, false)

	q.Push(samplePacket("192.168.1.50"))
	o.processBatch()

	assert.Empty(t, fw.applied)
}

func TestProtectedRangeRefusalCountsAsProtectedError(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.99, Confidence: 0.9, AttackKind: model.AttackDDoS}
	log := newTestLogger()
	q := queueing.New(100, log)
	pool := queueing.NewPacketPool()
	fw := newFakeFirewall()
	tracker := accumulation.New()
	executor := defense.NewExecutor(fw, tracker, log, nil)
	collector := stats.New(prometheus.NewRegistry())

	o := New(Params{
		Queue:          q,
		Pool:           pool,
		FeatureMode:    "lightweight",
		Classifier:     stubClassifier{out: out},
		Thresholds:     threat.DefaultThresholds,
		Tracker:        tracker,
		Executor:       executor,
		StatsCollector: collector,
		Logger:         log,
	})

	q.Push(samplePacket("192.168.0.50"))
	o.processBatch()

	snap := collector.Snapshot()
	assert.Empty(t, fw.applied, "a protected-range address must never be blocked")
	assert.Equal(t, int64(1), snap.ErrorCountsByKind["protected"])
}

// classifyErr is a fixed KindTransient error used to drive the
// retry-then-degrade policy tests below.
var classifyErr = errors.New(errors.KindTransient, "synthetic classifier failure")

func TestClassifyRetriesTransientFailuresBeforeDegrading(t *testing.T) {
	log := newTestLogger()
	collector := stats.New(prometheus.NewRegistry())
	cls := &stubClassifier{
		out: model.ClassifierOutput{PMalicious: 0.9, Confidence: 0.9, AttackKind: model.AttackDDoS},
		err: classifyErr,
	}
	o := New(Params{
		Classifier:     cls,
		Thresholds:     threat.DefaultThresholds,
		StatsCollector: collector,
		Logger:         log,
	})

	rec := samplePacket("203.0.113.20")
	var fv model.FeatureVector

	for i := 0; i < maxConsecutiveClassifierFailures; i++ {
		o.classify(rec, fv)
		assert.Equal(t, int64(i+1), o.consecutiveClassifierFailures.Load())
	}
	snap := collector.Snapshot()
	assert.Equal(t, int64(maxConsecutiveClassifierFailures), snap.ErrorCountsByKind["transient"])
	assert.Equal(t, "degraded", snap.Health)

	// The classifier must not be consulted again once degraded: flip err to
	// nil and confirm the failure counter stays pinned at the threshold
	// rather than the classify call resetting it by trying Predict again.
	cls.err = nil
	o.classify(rec, fv)
	assert.Equal(t, int64(maxConsecutiveClassifierFailures), o.consecutiveClassifierFailures.Load())
}

func TestClassifyResetsFailureCounterOnSuccess(t *testing.T) {
	log := newTestLogger()
	collector := stats.New(prometheus.NewRegistry())
	cls := &stubClassifier{err: classifyErr}
	o := New(Params{
		Classifier:     cls,
		Thresholds:     threat.DefaultThresholds,
		StatsCollector: collector,
		Logger:         log,
	})

	rec := samplePacket("203.0.113.21")
	var fv model.FeatureVector

	o.classify(rec, fv)
	assert.Equal(t, int64(1), o.consecutiveClassifierFailures.Load())

	cls.err = nil
	cls.out = model.ClassifierOutput{PMalicious: 0.1, Confidence: 0.9, AttackKind: model.AttackNormal}
	o.classify(rec, fv)
	assert.Equal(t, int64(0), o.consecutiveClassifierFailures.Load())
}

func TestBatchSizeScalesWithQueueUtilization(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.01, Confidence: 0.99, AttackKind: model.AttackNormal}
	o, q, _ := buildOrchestrator(t, out, false)

	for i := 0; i < 90; i++ {
		q.Push(samplePacket("203.0.113.12"))
	}
	assert.Equal(t, 1500, o.batchSize())

	q2 := queueing.New(100, newTestLogger())
	o.queue = q2
	for i := 0; i < 10; i++ {
		q2.Push(samplePacket("203.0.113.13"))
	}
	assert.Equal(t, 150, o.batchSize())
}

func TestApproximateNextStateReducesActiveThreatsOnApplied(t *testing.T) {
	state := model.NewRLState(0.9, 0.9, model.AttackDDoS, model.ThreatCritical, 0.1, 0.1, 0.8, 0.1, 12, 0.5)
	next := approximateNextState(state, defense.OutcomeApplied)
	assert.Less(t, next[6], state[6])

	same := approximateNextState(state, defense.OutcomeNoop)
	assert.Equal(t, state[6], same[6])
}

func TestComputeRewardRewardsCorrectBlock(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.9, Confidence: 0.9, AttackKind: model.AttackDDoS}
	o, _, _ := buildOrchestrator(t, out, false)

	reward := o.computeReward(out, model.ThreatHigh, model.ActionBlockTemp, defense.OutcomeApplied, 10)
	assert.Greater(t, reward, 0.0)
}

func TestComputeRewardPenalizesFalsePositive(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.1, Confidence: 0.9, AttackKind: model.AttackNormal}
	o, _, _ := buildOrchestrator(t, out, false)

	reward := o.computeReward(out, model.ThreatSafe, model.ActionBlockTemp, defense.OutcomeApplied, 10)
	assert.Less(t, reward, 0.0)
}

func TestComputeRewardAppliesLatencyPenalty(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.2, Confidence: 0.9, AttackKind: model.AttackNormal}
	o, _, _ := buildOrchestrator(t, out, false)

	fast := o.computeReward(out, model.ThreatLow, model.ActionAllow, defense.OutcomeNoop, 100)
	slow := o.computeReward(out, model.ThreatLow, model.ActionAllow, defense.OutcomeNoop, 5000)
	assert.Less(t, slow, fast)
}

func TestRunStopDrainsCooperatively(t *testing.T) {
	out := model.ClassifierOutput{PMalicious: 0.01, Confidence: 0.99, AttackKind: model.AttackNormal}
	o, q, _ := buildOrchestrator(t, out, false)
	q.Push(samplePacket("203.0.113.14"))

	go o.Run()
	time.Sleep(30 * time.Millisecond)
	o.Stop()
}
