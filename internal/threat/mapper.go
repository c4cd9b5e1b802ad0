// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package threat implements the threat-level mapper (spec.md §4.5, C5): the
// rule table from ClassifierOutput to ThreatLevel, shared by both the
// primary classifier's output and the backup heuristic's score.
package threat

import "grimm.is/warden/internal/model"

// Thresholds are the p_malicious cutpoints from spec.md §4.5, sourced from
// the Default() config so a hot-reloaded config.yaml can retune them without
// a rebuild.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultThresholds matches spec.md §4.5 / the reference constants
// (critical=0.9, high=0.8, medium=0.7, low=0.6).
var DefaultThresholds = Thresholds{Critical: 0.9, High: 0.8, Medium: 0.7, Low: 0.6}

// Map implements the rule table verbatim:
//
//	attack_kind = normal and c >= 0.6        -> safe
//	p < 0.7                                  -> low
//	0.7 <= p < 0.8, or c < 0.6 over normal    -> medium
//	0.8 <= p < 0.9                            -> high
//	p >= 0.9                                  -> critical
//
// Ties resolve to the higher tier (spec.md §4.5), which the >= ordering
// below already guarantees since each branch is evaluated from the top.
func Map(out model.ClassifierOutput, t Thresholds) model.ThreatLevel {
	p, c := out.PMalicious, out.Confidence

	if out.AttackKind == model.AttackNormal && c >= t.Low {
		return model.ThreatSafe
	}
	if p >= t.Critical {
		return model.ThreatCritical
	}
	if p >= t.High {
		return model.ThreatHigh
	}
	if p >= t.Medium {
		return model.ThreatMedium
	}
	if out.AttackKind == model.AttackNormal && c < t.Low {
		return model.ThreatMedium
	}
	return model.ThreatLow
}

// MapScore maps a bare [0,1] heuristic score (spec.md §4.5's backup path,
// classifier.ScoreRaw) through the same table, treating the score as
// p_malicious. The heuristic path carries no attack_kind signal, so safe is
// only reachable via Map's explicit "normal" branch, never from a raw score
// (spec.md §4.5: "p < 0.7 -> low" has no safe exception here).
func MapScore(score float64, t Thresholds) model.ThreatLevel {
	switch {
	case score >= t.Critical:
		return model.ThreatCritical
	case score >= t.High:
		return model.ThreatHigh
	case score >= t.Medium:
		return model.ThreatMedium
	default:
		return model.ThreatLow
	}
}
