// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"grimm.is/warden/internal/errors"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Default returns the configuration that applies when no file is present or
// a key is missing, matching the Python reference's SystemConstants defaults
// exactly so behavior doesn't shift between the two implementations.
func Default() *Config {
	return &Config{
		System: System{
			Name:    "warden",
			Version: CurrentSchemaVersion,
			Mode:    "lightweight",
		},
		Monitoring: Monitoring{
			ThreatAnalysis: ThreatAnalysis{
				PacketSizeCritical:  8000,
				PacketSizeHigh:      5000,
				PacketSizeMedium:    3000,
				PacketSizeNormal:    1500,
				ThreatScoreCritical: 0.9,
				ThreatScoreHigh:     0.8,
				ThreatScoreMedium:   0.7,
				ThreatScoreLow:      0.6,
			},
			Queue: Queue{
				MaxSize:               50000,
				AdaptiveProcessMax:    1500,
				AdaptiveProcessMedium: 800,
				AdaptiveProcessNormal: 150,
				AdaptiveProcessMin:    50,
				UtilizationHigh:       0.8,
				UtilizationMedium:     0.5,
			},
			Timing: Timing{
				DashboardRefreshSeconds:      1.0,
				PacketProcessSleepMS:         10,
				MemoryCleanupIntervalSeconds: 60,
				StatsUpdateIntervalSeconds:   1.0,
			},
		},
		Defense: Defense{
			ThreatThresholds: ThreatThresholds{
				Critical: 0.9,
				High:     0.8,
				Medium:   0.7,
				Low:      0.6,
			},
			PolicyEnvironment: PolicyEnvironment{
				Costs: Costs{
					AttackPreventionValue: 100.0,
					FalsePositiveCost:     20.0,
					SystemImpactPenalty:   10.0,
					LatencyPenalty:        5.0,
					ServiceDisruptionCost: 50.0,
				},
			},
		},
		MachineLearning: MachineLearning{
			ReinforcementLearning: ReinforcementLearning{
				Hyperparameters: Hyperparameters{
					AlphaCQL:     1.0,
					Tau:          0.005,
					Gamma:        0.99,
					LearningRate: 0.0001,
					Epsilon:      0.1,
					EpsilonMin:   0.01,
					EpsilonDecay: 0.999,
				},
				Training: Training{
					WakeIntervalSeconds:  10,
					MinExperiences:       32,
					BatchSize:            32,
					LossHistorySize:      100,
					RetryBackoffSeconds:  30,
					ShutdownDrainSeconds: 15,
				},
			},
		},
	}
}

// Load reads and parses a YAML configuration file, filling any field absent
// from the file with Default()'s value. Unknown keys are ignored (yaml.v3's
// default decoding): Load neither rejects nor reports them, so no warning is
// logged for them.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, errors.KindRecoverable, "config: read %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindRecoverable, "config: parse %s", path)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural invariants that a bad YAML file could violate
// without tripping a type error (e.g. a negative queue capacity).
func Validate(cfg *Config) error {
	if cfg.System.Mode != "lightweight" && cfg.System.Mode != "performance" {
		return errors.Errorf(errors.KindRecoverable, "config: system.mode must be lightweight or performance, got %q", cfg.System.Mode)
	}
	if cfg.Monitoring.Queue.MaxSize <= 0 {
		return errors.New(errors.KindRecoverable, "config: monitoring.queue.max_size must be positive")
	}
	h := cfg.MachineLearning.ReinforcementLearning.Hyperparameters
	if h.Gamma < 0 || h.Gamma > 1 {
		return errors.Errorf(errors.KindRecoverable, "config: gamma must be in [0,1], got %v", h.Gamma)
	}
	if h.Epsilon < h.EpsilonMin {
		return errors.New(errors.KindRecoverable, "config: epsilon must be >= epsilon_min")
	}
	return nil
}

// FeatureWidth returns F, the fixed feature-vector width selected by mode
// (spec.md §3).
func (c *Config) FeatureWidth() int {
	if c.System.Mode == "performance" {
		return 12
	}
	return 7
}
