// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

// Config is the single top-level YAML configuration structure for the core.
// It is hot-reloadable: the threshold and cost sections may change at
// runtime via file-mtime polling (see Watcher); System and Monitoring.Queue
// are structural and require a restart to take effect.
type Config struct {
	System          System          `yaml:"system"`
	Monitoring      Monitoring      `yaml:"monitoring"`
	Defense         Defense         `yaml:"defense"`
	MachineLearning MachineLearning `yaml:"machine_learning"`
}

// System identifies the running instance and selects feature-vector mode.
type System struct {
	// @default: "warden"
	Name string `yaml:"name"`
	// @default: "1.0"
	Version string `yaml:"version"`
	// Mode selects the feature-vector width: lightweight (F=7) or
	// performance (F=12, rule-engine auxiliary lanes present).
	// @enum: lightweight, performance
	// @default: "lightweight"
	Mode string `yaml:"mode"`
}

// Monitoring groups the threat-analysis thresholds, queue sizing, and
// background-task timing.
type Monitoring struct {
	ThreatAnalysis ThreatAnalysis `yaml:"threat_analysis"`
	Queue          Queue          `yaml:"queue"`
	Timing         Timing         `yaml:"timing"`
}

// ThreatAnalysis carries the tier-mapping thresholds consumed by C5 and the
// packet-size bands consumed by the heuristic fallback path.
type ThreatAnalysis struct {
	PacketSizeCritical int `yaml:"packet_size_critical"`
	PacketSizeHigh     int `yaml:"packet_size_high"`
	PacketSizeMedium   int `yaml:"packet_size_medium"`
	PacketSizeNormal   int `yaml:"packet_size_normal"`

	ThreatScoreCritical float64 `yaml:"threat_score_critical"`
	ThreatScoreHigh     float64 `yaml:"threat_score_high"`
	ThreatScoreMedium   float64 `yaml:"threat_score_medium"`
	ThreatScoreLow      float64 `yaml:"threat_score_low"`
}

// Queue sizes the bounded capture queue (C2) and the orchestrator's adaptive
// intake batching (C11 §4.11).
type Queue struct {
	MaxSize               int     `yaml:"max_size"`
	AdaptiveProcessMax     int     `yaml:"adaptive_process_max"`
	AdaptiveProcessMedium  int     `yaml:"adaptive_process_medium"`
	AdaptiveProcessNormal  int     `yaml:"adaptive_process_normal"`
	AdaptiveProcessMin     int     `yaml:"adaptive_process_min"`
	UtilizationHigh        float64 `yaml:"utilization_high"`
	UtilizationMedium      float64 `yaml:"utilization_medium"`
}

// Timing controls the cadence of background tasks (stats publisher, packet
// batch pacing, compaction sweeps).
type Timing struct {
	DashboardRefreshSeconds       float64 `yaml:"dashboard_refresh_seconds"`
	PacketProcessSleepMS          int     `yaml:"packet_process_sleep_ms"`
	MemoryCleanupIntervalSeconds  int     `yaml:"memory_cleanup_interval_seconds"`
	StatsUpdateIntervalSeconds    float64 `yaml:"stats_update_interval_seconds"`
}

// Defense groups the direct-path threat thresholds and the RL reward costs.
type Defense struct {
	ThreatThresholds  ThreatThresholds  `yaml:"threat_thresholds"`
	PolicyEnvironment PolicyEnvironment `yaml:"policy_environment"`
}

// ThreatThresholds mirrors ThreatAnalysis's score bands for the direct
// (non-RL) action path so operators can tune them independently of the
// classifier-facing thresholds.
type ThreatThresholds struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

// PolicyEnvironment carries the reward-shaping costs used to label
// experiences (§4.10).
type PolicyEnvironment struct {
	Costs Costs `yaml:"costs"`
}

// Costs are the reward-design constants from spec.md §4.10.
type Costs struct {
	AttackPreventionValue float64 `yaml:"attack_prevention_value"`
	FalsePositiveCost     float64 `yaml:"false_positive_cost"`
	SystemImpactPenalty   float64 `yaml:"system_impact_penalty"`
	LatencyPenalty        float64 `yaml:"latency_penalty"`
	ServiceDisruptionCost float64 `yaml:"service_disruption_cost"`
}

// MachineLearning groups the reinforcement-learning hyperparameters.
type MachineLearning struct {
	ReinforcementLearning ReinforcementLearning `yaml:"reinforcement_learning"`
}

// ReinforcementLearning carries C8's CQL hyperparameters and C10's online
// trainer schedule.
type ReinforcementLearning struct {
	Hyperparameters Hyperparameters `yaml:"hyperparameters"`
	Training        Training        `yaml:"training"`
}

// Training controls the online trainer's (C10) wake cadence and batch size.
type Training struct {
	WakeIntervalSeconds  int `yaml:"wake_interval_seconds"`
	MinExperiences       int `yaml:"min_experiences"`
	BatchSize            int `yaml:"batch_size"`
	LossHistorySize      int `yaml:"loss_history_size"`
	RetryBackoffSeconds  int `yaml:"retry_backoff_seconds"`
	ShutdownDrainSeconds int `yaml:"shutdown_drain_seconds"`
}

// Hyperparameters are the CQL training constants from spec.md §4.8.
type Hyperparameters struct {
	AlphaCQL     float64 `yaml:"alpha_cql"`
	Tau          float64 `yaml:"tau"`
	Gamma        float64 `yaml:"gamma"`
	LearningRate float64 `yaml:"learning_rate"`
	Epsilon      float64 `yaml:"epsilon"`
	EpsilonMin   float64 `yaml:"epsilon_min"`
	EpsilonDecay float64 `yaml:"epsilon_decay"`
}
