// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats implements the statistics snapshot API (spec.md §4.12, C12):
// a thread-safe set of counters for threat tiers, defense outcomes, queue
// and model state, and resource gauges, exposed both as a point-in-time
// Snapshot and as Prometheus metrics for external scraping.
package stats

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// Health is the coarse operational status derived from recent error counts
// (spec.md §7: "the statistics snapshot exposes ... a health enum").
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthFailing
)

func (h Health) String() string {
	switch h {
	case HealthFailing:
		return "failing"
	case HealthDegraded:
		return "degraded"
	default:
		return "healthy"
	}
}

// DefenseOutcomes mirrors spec.md §4.12's defense_outcomes fields.
type DefenseOutcomes struct {
	PermanentBlock   int64 `json:"permanent_block"`
	TempBlock        int64 `json:"temp_block"`
	WarningBlock     int64 `json:"warning_block"`
	Monitored        int64 `json:"monitored"`
	Alerts           int64 `json:"alerts"`
	AccumulatedBlock int64 `json:"accumulated_blocks"`
}

// MLStats mirrors spec.md §4.12's ml_stats fields.
type MLStats struct {
	Predictions      int64   `json:"predictions"`
	AccuracyEstimate float64 `json:"accuracy_estimate"`
	Updates          int64   `json:"updates"`

	// AttackTypeCounts is the replay buffer's per-kind hit count (C9's
	// attack_type_stats bookkeeping), keyed by AttackKind label.
	AttackTypeCounts map[string]int64 `json:"attack_type_counts"`

	// ModelParameterCount and ModelSizeBytes report the response-policy
	// network's footprint (C8's get_model_info introspection).
	ModelParameterCount int   `json:"model_parameter_count"`
	ModelSizeBytes      int64 `json:"model_size_bytes"`
}

// ResourceGauges mirrors spec.md §4.12's resource gauges.
type ResourceGauges struct {
	QueueSize int    `json:"queue_size"`
	RSSBytes  uint64 `json:"rss_bytes"`
	CPUPct    float64 `json:"cpu_percent"`
}

// Snapshot is the consistent, point-in-time view produced by Collector.Snapshot.
type Snapshot struct {
	ThreatsByTier     map[string]int64 `json:"threats_by_tier"`
	DefenseOutcomes   DefenseOutcomes  `json:"defense_outcomes"`
	MLStats           MLStats          `json:"ml_stats"`
	Resources         ResourceGauges   `json:"resources"`
	ErrorCountsByKind map[string]int64 `json:"error_counts_by_kind"`
	Health            string           `json:"health"`
}

// Collector holds every atomically-updated counter the orchestrator (C11)
// and its subsystems report into, plus the Prometheus metrics that mirror
// them for external scraping.
type Collector struct {
	threatsByTier [5]atomic.Int64 // indexed by model.ThreatLevel
	errorsByKind  [5]atomic.Int64 // indexed by errors.Kind

	permanentBlock   atomic.Int64
	tempBlock        atomic.Int64
	warningBlock     atomic.Int64
	monitored        atomic.Int64
	alerts           atomic.Int64
	accumulatedBlock atomic.Int64

	predictions atomic.Int64
	mlUpdates   atomic.Int64

	// correct/evaluated track the running ratio behind AccuracyEstimate;
	// they're plain counters rather than atomics since they're only
	// touched together, under accMu.
	accMu     sync.Mutex
	correct   int64
	evaluated int64

	resMu     sync.RWMutex
	queueSize int
	rssBytes  uint64
	cpuPct    float64

	attackMu    sync.RWMutex
	attackTypes map[string]int64

	modelMu        sync.RWMutex
	modelParams    int
	modelSizeBytes int64

	promThreats  *prometheus.CounterVec
	promOutcomes *prometheus.CounterVec
	promMLCount  *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promQueue    prometheus.Gauge
	promRSS      prometheus.Gauge
	promCPU      prometheus.Gauge
}

// New builds a Collector and registers its Prometheus metrics against reg.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from the
// caller so tests can use an isolated registry.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		promThreats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "threat",
			Name:      "events_total",
			Help:      "Count of classified packets by threat tier.",
		}, []string{"tier"}),
		promOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "defense",
			Name:      "outcomes_total",
			Help:      "Count of defense executor outcomes by kind.",
		}, []string{"outcome"}),
		promMLCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "ml",
			Name:      "events_total",
			Help:      "Count of classifier predictions and policy training updates.",
		}, []string{"event"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "errors",
			Name:      "events_total",
			Help:      "Count of subsystem-boundary errors by kind.",
		}, []string{"kind"}),
		promQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "resources", Name: "queue_size", Help: "Current capture queue depth.",
		}),
		promRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "resources", Name: "rss_bytes", Help: "Resident set size in bytes.",
		}),
		promCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "resources", Name: "cpu_percent", Help: "Process CPU utilization percent.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.promThreats, c.promOutcomes, c.promMLCount, c.promErrors, c.promQueue, c.promRSS, c.promCPU)
	}
	return c
}

// RecordThreat increments the counter for level.
func (c *Collector) RecordThreat(level model.ThreatLevel) {
	c.threatsByTier[level].Add(1)
	c.promThreats.WithLabelValues(level.String()).Inc()
}

// RecordError increments the counter for kind (spec.md §7: "the statistics
// snapshot exposes error_counts_by_kind"). Every subsystem boundary that
// returns a tagged errors.Kind reports it here, including errors.KindProtected
// (spec.md §8 scenario 4: a private-range block attempt is suppressed, never
// alerted, but still counted).
func (c *Collector) RecordError(kind errors.Kind) {
	c.errorsByKind[kind].Add(1)
	c.promErrors.WithLabelValues(kind.String()).Inc()
}

// RecordOutcome increments one of the six named defense-outcome counters.
func (c *Collector) RecordOutcome(name string) {
	switch name {
	case "permanent_block":
		c.permanentBlock.Add(1)
	case "temp_block":
		c.tempBlock.Add(1)
	case "warning_block":
		c.warningBlock.Add(1)
	case "monitored":
		c.monitored.Add(1)
	case "alerts":
		c.alerts.Add(1)
	case "accumulated_blocks":
		c.accumulatedBlock.Add(1)
	}
	c.promOutcomes.WithLabelValues(name).Inc()
}

// RecordPrediction counts one classifier invocation, and evaluated/correct
// toward the running accuracy estimate (correct is unknown at inference
// time for most predictions; callers with ground truth — e.g. replayed
// labeled traffic — report it via RecordLabeledPrediction).
func (c *Collector) RecordPrediction() {
	c.predictions.Add(1)
	c.promMLCount.WithLabelValues("prediction").Inc()
}

// RecordLabeledPrediction updates the running accuracy estimate when ground
// truth is available (e.g. evaluation traffic, OPE replay).
func (c *Collector) RecordLabeledPrediction(correct bool) {
	c.accMu.Lock()
	defer c.accMu.Unlock()
	c.evaluated++
	if correct {
		c.correct++
	}
}

// RecordTrainingUpdate counts one C10 minibatch update.
func (c *Collector) RecordTrainingUpdate() {
	c.mlUpdates.Add(1)
	c.promMLCount.WithLabelValues("training_update").Inc()
}

// SetQueueSize updates the queue-depth resource gauge.
func (c *Collector) SetQueueSize(n int) {
	c.resMu.Lock()
	c.queueSize = n
	c.resMu.Unlock()
	c.promQueue.Set(float64(n))
}

// SampleResourceUsage refreshes RSS/CPU gauges from the Go runtime. It is
// cheap enough to call on every stats-publish tick (spec.md §4.11: "publish
// statistics snapshot" periodically).
func (c *Collector) SampleResourceUsage(cpuPct float64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.resMu.Lock()
	c.rssBytes = m.Sys
	c.cpuPct = cpuPct
	c.resMu.Unlock()

	c.promRSS.Set(float64(m.Sys))
	c.promCPU.Set(cpuPct)
}

// SetAttackTypeCounts replaces the published attack-type breakdown with a
// fresh copy pulled from the replay buffer (C9.AttackTypeCounts).
func (c *Collector) SetAttackTypeCounts(counts map[model.AttackKind]int64) {
	out := make(map[string]int64, len(counts))
	for k, v := range counts {
		out[k.String()] = v
	}
	c.attackMu.Lock()
	c.attackTypes = out
	c.attackMu.Unlock()
}

// SetModelSize publishes the response-policy network's current parameter
// count and estimated byte footprint (Agent.ParameterCount/ModelSizeBytes).
func (c *Collector) SetModelSize(params int, sizeBytes int64) {
	c.modelMu.Lock()
	c.modelParams = params
	c.modelSizeBytes = sizeBytes
	c.modelMu.Unlock()
}

// Snapshot produces a consistent copy of every counter and gauge under a
// single short read (spec.md §4.12).
func (c *Collector) Snapshot() Snapshot {
	tiers := make(map[string]int64, len(c.threatsByTier))
	for lvl := model.ThreatSafe; lvl <= model.ThreatCritical; lvl++ {
		tiers[lvl.String()] = c.threatsByTier[lvl].Load()
	}

	c.accMu.Lock()
	accuracy := 0.0
	if c.evaluated > 0 {
		accuracy = float64(c.correct) / float64(c.evaluated)
	}
	c.accMu.Unlock()

	c.resMu.RLock()
	resources := ResourceGauges{QueueSize: c.queueSize, RSSBytes: c.rssBytes, CPUPct: c.cpuPct}
	c.resMu.RUnlock()

	c.attackMu.RLock()
	attackTypes := make(map[string]int64, len(c.attackTypes))
	for k, v := range c.attackTypes {
		attackTypes[k] = v
	}
	c.attackMu.RUnlock()

	c.modelMu.RLock()
	modelParams, modelSizeBytes := c.modelParams, c.modelSizeBytes
	c.modelMu.RUnlock()

	errCounts := make(map[string]int64, len(c.errorsByKind))
	for k := errors.KindUnknown; k <= errors.KindFatal; k++ {
		errCounts[k.String()] = c.errorsByKind[k].Load()
	}
	health := HealthHealthy
	switch {
	case c.errorsByKind[errors.KindFatal].Load() > 0:
		health = HealthFailing
	case c.errorsByKind[errors.KindTransient].Load() > 0 || c.errorsByKind[errors.KindRecoverable].Load() > 0:
		health = HealthDegraded
	}

	return Snapshot{
		ThreatsByTier:     tiers,
		ErrorCountsByKind: errCounts,
		Health:            health.String(),
		DefenseOutcomes: DefenseOutcomes{
			PermanentBlock:   c.permanentBlock.Load(),
			TempBlock:        c.tempBlock.Load(),
			WarningBlock:     c.warningBlock.Load(),
			Monitored:        c.monitored.Load(),
			Alerts:           c.alerts.Load(),
			AccumulatedBlock: c.accumulatedBlock.Load(),
		},
		MLStats: MLStats{
			Predictions:      c.predictions.Load(),
			AccuracyEstimate: accuracy,
			Updates:          c.mlUpdates.Load(),
			AttackTypeCounts: attackTypes,
			ModelParameterCount: modelParams,
			ModelSizeBytes:      modelSizeBytes,
		},
		Resources: resources,
	}
}
