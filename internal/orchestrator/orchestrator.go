// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator implements the pipeline orchestrator (spec.md §4.11,
// C11): the single owner of the data flow from a popped PacketRecord through
// feature extraction, classification, tier mapping, the direct or RL action
// path, defense execution, and experience recording.
package orchestrator

import (
	"math"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/accumulation"
	"grimm.is/warden/internal/classifier"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/defense"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/features"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/queueing"
	"grimm.is/warden/internal/replay"
	"grimm.is/warden/internal/rlagent"
	"grimm.is/warden/internal/stats"
	"grimm.is/warden/internal/threat"
)

// maxConsecutiveClassifierFailures is spec.md §7's transient-error policy for
// the classifier boundary: retry (i.e. keep calling the classifier on
// subsequent packets) up to this many consecutive failures before degrading
// to the heuristic backup path.
const maxConsecutiveClassifierFailures = 3

// assumedMaxActiveThreats and assumedMaxBlockedIPs bound the normalization
// of the corresponding RLState lanes (spec.md §3: both are in [0,1]); there
// is no hard ceiling in the domain, so these are soft scaling constants.
const (
	assumedMaxActiveThreats = 50.0
	assumedMaxBlockedIPs    = 200.0

	// defaultServiceCriticality is used until a per-host criticality map is
	// wired in; spec.md treats that map as out of this core's scope.
	defaultServiceCriticality = 0.5
)

// Orchestrator wires C1's queue output through C3-C9 and records outcomes
// into C12.
type Orchestrator struct {
	queue *queueing.Queue
	pool  *queueing.PacketPool

	featureMode string
	classifier  classifier.Classifier
	thresholds  threat.Thresholds

	tracker  *accumulation.Tracker
	executor *defense.Executor

	rlEnabled bool
	agent     *rlagent.Agent
	buffer    *replay.Buffer
	costs     config.Costs

	statsCollector *stats.Collector
	log            *logging.Logger

	activeThreats atomic.Int64

	// consecutiveClassifierFailures counts classifier.Predict errors since
	// the last success; classify degrades to the heuristic path only once
	// this reaches maxConsecutiveClassifierFailures (spec.md §7).
	consecutiveClassifierFailures atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Params bundles every already-constructed subsystem Orchestrator wires
// together; each field is owned by its respective component package.
type Params struct {
	Queue          *queueing.Queue
	Pool           *queueing.PacketPool
	FeatureMode    string // "lightweight" or "performance"
	Classifier     classifier.Classifier
	Thresholds     threat.Thresholds
	Tracker        *accumulation.Tracker
	Executor       *defense.Executor
	RLEnabled      bool
	Agent          *rlagent.Agent
	Buffer         *replay.Buffer
	Costs          config.Costs
	StatsCollector *stats.Collector
	Logger         *logging.Logger
}

// New builds an Orchestrator from already-wired subsystems.
func New(p Params) *Orchestrator {
	log := p.Logger
	if log == nil {
		log = logging.WithComponent("orchestrator")
	} else {
		log = log.WithComponent("orchestrator")
	}
	return &Orchestrator{
		queue:          p.Queue,
		pool:           p.Pool,
		featureMode:    p.FeatureMode,
		classifier:     p.Classifier,
		thresholds:     p.Thresholds,
		tracker:        p.Tracker,
		executor:       p.Executor,
		rlEnabled:      p.RLEnabled,
		agent:          p.Agent,
		buffer:         p.Buffer,
		costs:          p.Costs,
		statsCollector: p.StatsCollector,
		log:            log,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Run drains the capture queue until Stop is called, processing records in
// adaptively-sized batches (spec.md §4.11's intake thresholds). It blocks
// until the loop exits; callers typically invoke it in its own goroutine.
func (o *Orchestrator) Run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

// Stop requests the run loop to exit and blocks until it has.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

// batchSize implements spec.md §4.11's adaptive intake rule.
func (o *Orchestrator) batchSize() int {
	util := o.queue.Utilization()

	var n int
	switch {
	case util > 0.8:
		n = 1500
	case util > 0.5:
		n = 800
	default:
		n = 150
	}

	if o.statsCollector != nil {
		snap := o.statsCollector.Snapshot()
		if snap.Resources.CPUPct > 80 || snap.Resources.RSSBytes > 800*1024*1024 {
			n /= 2
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (o *Orchestrator) processBatch() {
	recs := o.queue.PopBatch(o.batchSize())
	for _, rec := range recs {
		o.processOne(rec)
		o.pool.Put(rec)
	}
	if o.statsCollector != nil {
		o.statsCollector.SetQueueSize(o.queue.Len())
	}
}

// processOne runs one PacketRecord through feature extraction,
// classification, tier mapping, action selection, defense execution, and
// (in RL mode) experience recording (spec.md §4.11 steps 1-6).
func (o *Orchestrator) processOne(rec *model.PacketRecord) {
	start := time.Now()

	var fv model.FeatureVector
	features.Extract(rec, o.featureMode, &fv)

	out, level := o.classify(rec, fv)
	if o.statsCollector != nil {
		o.statsCollector.RecordThreat(level)
		o.statsCollector.RecordPrediction()
	}
	if level != model.ThreatSafe {
		o.activeThreats.Add(1)
	}

	addr := rec.Source.Addr

	var state model.RLState
	var action model.Action
	if o.rlEnabled && o.agent != nil {
		state = o.buildState(out, level)
		action = o.agent.Act(state, false)
	} else {
		action = directAction(level)
	}

	outcome := o.executor.Execute(rec, out, level, action)
	o.recordOutcomeStat(outcome, action)
	if outcome == defense.OutcomeApplied {
		o.decrementActiveThreats()
	}

	if esc := o.tracker.Record(addr, level, time.Now()); esc != accumulation.EscalationNone {
		escOutcome := o.executor.ExecuteEscalation(addr, esc)
		o.recordEscalationStat(escOutcome, esc)
	}

	if o.rlEnabled && o.agent != nil && o.buffer != nil {
		responseMs := time.Since(start).Milliseconds()
		reward := o.computeReward(out, level, action, outcome, responseMs)
		nextState := approximateNextState(state, outcome)

		o.buffer.Push(model.Experience{
			State:     state,
			Action:    action,
			Reward:    float32(reward),
			NextState: nextState,
			Done:      false,
			Meta: model.ExperienceMeta{
				IsMalicious: out.PMalicious >= o.thresholds.Medium,
				AttackKind:  out.AttackKind,
				SourceAddr:  addr,
				Timestamp:   time.Now(),
			},
		})
	}
}

// classify runs C4, falling back to C5's heuristic backup path once the
// classifier has failed maxConsecutiveClassifierFailures times in a row
// (spec.md §7's transient-error policy: "log at debug; retry bounded (<=3);
// degrade to heuristic path after 3 consecutive failures"). A single
// transient error still retries the classifier on the very next packet
// rather than degrading immediately.
func (o *Orchestrator) classify(rec *model.PacketRecord, fv model.FeatureVector) (model.ClassifierOutput, model.ThreatLevel) {
	if o.classifier != nil {
		if o.consecutiveClassifierFailures.Load() < maxConsecutiveClassifierFailures {
			out, err := o.classifier.Predict(fv)
			if err == nil {
				o.consecutiveClassifierFailures.Store(0)
				return out, threat.Map(out, o.thresholds)
			}
			o.log.Debug("classifier predict failed, retrying", "error", err)
			if o.statsCollector != nil {
				o.statsCollector.RecordError(errors.GetKind(err))
			}
			o.consecutiveClassifierFailures.Add(1)
		} else {
			o.log.Debug("classifier degraded to heuristic backup after repeated failures",
				"consecutive_failures", o.consecutiveClassifierFailures.Load())
		}
	}

	score := classifier.ScoreRaw(rec)
	level := threat.MapScore(score, o.thresholds)
	out := model.ClassifierOutput{PMalicious: score, Confidence: 0.5, AttackKind: model.AttackUnknown}
	return out, level
}

// directAction is the non-RL path's tier->action mapping (spec.md §4.11
// step 4: "If RL mode is off: compute direct action from the tier").
func directAction(level model.ThreatLevel) model.Action {
	switch level {
	case model.ThreatCritical:
		return model.ActionBlockPerm
	case model.ThreatHigh:
		return model.ActionBlockTemp
	case model.ThreatMedium:
		return model.ActionRateLimit
	case model.ThreatLow:
		return model.ActionDeepInspect
	default:
		return model.ActionAllow
	}
}

func (o *Orchestrator) buildState(out model.ClassifierOutput, level model.ThreatLevel) model.RLState {
	var cpuLoad, memLoad float64
	if o.statsCollector != nil {
		snap := o.statsCollector.Snapshot()
		cpuLoad = clamp01(snap.Resources.CPUPct / 100.0)
		memLoad = clamp01(float64(snap.Resources.RSSBytes) / (1024 * 1024 * 1024))
	}

	activeNorm := clamp01(float64(o.activeThreats.Load()) / assumedMaxActiveThreats)
	blockedNorm := 0.0
	if o.executor != nil {
		blockedNorm = clamp01(float64(len(o.executor.Store().Snapshot())) / assumedMaxBlockedIPs)
	}

	hour := time.Now().Hour()
	return model.NewRLState(out.PMalicious, out.Confidence, out.AttackKind, level, cpuLoad, memLoad, activeNorm, blockedNorm, hour, defaultServiceCriticality)
}

// approximateNextState is the "cheap approximation" spec.md §4.11 step 5
// calls for: the same state with a reduced active-threat-count lane when
// the block was actually applied.
func approximateNextState(state model.RLState, outcome defense.Outcome) model.RLState {
	next := state
	if outcome == defense.OutcomeApplied {
		const activeThreatsLane = 6
		next[activeThreatsLane] = clamp01(next[activeThreatsLane] * 0.5)
	}
	return next
}

// computeReward labels an experience per spec.md §4.10's reward design,
// using the config-supplied cost weights so operators can retune without a
// rebuild.
func (o *Orchestrator) computeReward(out model.ClassifierOutput, level model.ThreatLevel, action model.Action, outcome defense.Outcome, responseMs int64) float64 {
	reward := 0.0

	blocking := action == model.ActionBlockTemp || action == model.ActionBlockPerm || action == model.ActionIsolate

	switch {
	case blocking && outcome == defense.OutcomeApplied && level >= model.ThreatMedium:
		reward += o.costs.AttackPreventionValue * out.PMalicious
	case blocking && level == model.ThreatSafe:
		reward -= o.costs.FalsePositiveCost
	}

	if (action == model.ActionRateLimit || action == model.ActionDeepInspect) && level == model.ThreatLow {
		reward += 5
	}

	if outcome == defense.OutcomeApplyFailed {
		reward -= o.costs.ServiceDisruptionCost
	}

	if responseMs > 1000 {
		reward -= o.costs.LatencyPenalty * (float64(responseMs) / 1000.0)
	}

	impact := actionImpact(action)
	if impact > 0.5 {
		reward -= o.costs.SystemImpactPenalty * impact
	}

	return reward
}

// actionImpact is a fixed proxy for each action's disruption to legitimate
// traffic, most severe for ISOLATE and least for ALLOW.
func actionImpact(a model.Action) float64 {
	switch a {
	case model.ActionIsolate:
		return 0.9
	case model.ActionBlockPerm:
		return 0.7
	case model.ActionBlockTemp:
		return 0.5
	case model.ActionRateLimit:
		return 0.3
	case model.ActionDeepInspect:
		return 0.2
	default:
		return 0.0
	}
}

// recordOutcomeStat attributes a direct/RL-path Execute outcome to one of
// C12's defense_outcomes counters, disambiguating OutcomeApplied by which
// action actually produced it.
func (o *Orchestrator) recordOutcomeStat(outcome defense.Outcome, action model.Action) {
	if o.statsCollector == nil {
		return
	}
	switch outcome {
	case defense.OutcomeApplied:
		if action == model.ActionBlockPerm {
			o.statsCollector.RecordOutcome("permanent_block")
		} else {
			o.statsCollector.RecordOutcome("temp_block")
		}
	case defense.OutcomeProtectedRange:
		// spec.md §7: Protected errors are suppressed and counted, never
		// surfaced as an alert.
		o.statsCollector.RecordError(errors.KindProtected)
	case defense.OutcomeApplyFailed:
		o.statsCollector.RecordOutcome("alerts")
	default:
		o.statsCollector.RecordOutcome("monitored")
	}
}

// recordEscalationStat attributes an accumulation-driven (C6) escalation
// outcome to the warning_block/temp_block/accumulated_blocks counters.
func (o *Orchestrator) recordEscalationStat(outcome defense.Outcome, esc accumulation.Escalation) {
	if o.statsCollector == nil {
		return
	}
	if outcome != defense.OutcomeApplied {
		return
	}
	o.statsCollector.RecordOutcome("accumulated_blocks")
	switch esc {
	case accumulation.EscalationWarnBlock:
		o.statsCollector.RecordOutcome("warning_block")
	case accumulation.EscalationTempBlock:
		o.statsCollector.RecordOutcome("temp_block")
	}
}

// decrementActiveThreats lowers the active-threat gauge on a successful
// block, never below zero.
func (o *Orchestrator) decrementActiveThreats() {
	for {
		cur := o.activeThreats.Load()
		if cur <= 0 {
			return
		}
		if o.activeThreats.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
