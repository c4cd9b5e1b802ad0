// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/warden/internal/model"
)

func TestMapTable(t *testing.T) {
	cases := []struct {
		name string
		out  model.ClassifierOutput
		want model.ThreatLevel
	}{
		{"normal confident", model.ClassifierOutput{AttackKind: model.AttackNormal, PMalicious: 0.05, Confidence: 0.9}, model.ThreatSafe},
		{"low", model.ClassifierOutput{AttackKind: model.AttackDDoS, PMalicious: 0.5, Confidence: 0.8}, model.ThreatLow},
		{"medium by probability", model.ClassifierOutput{AttackKind: model.AttackDDoS, PMalicious: 0.75, Confidence: 0.8}, model.ThreatMedium},
		{"medium via low-confidence normal", model.ClassifierOutput{AttackKind: model.AttackNormal, PMalicious: 0.2, Confidence: 0.4}, model.ThreatMedium},
		{"high", model.ClassifierOutput{AttackKind: model.AttackPortScan, PMalicious: 0.85, Confidence: 0.9}, model.ThreatHigh},
		{"critical", model.ClassifierOutput{AttackKind: model.AttackBotnet, PMalicious: 0.95, Confidence: 0.95}, model.ThreatCritical},
		{"boundary ties to higher tier", model.ClassifierOutput{AttackKind: model.AttackDDoS, PMalicious: 0.9, Confidence: 0.9}, model.ThreatCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Map(tc.out, DefaultThresholds))
		})
	}
}

func TestMapScoreHasNoSafeTier(t *testing.T) {
	assert.Equal(t, model.ThreatLow, MapScore(0.05, DefaultThresholds))
	assert.Equal(t, model.ThreatMedium, MapScore(0.72, DefaultThresholds))
	assert.Equal(t, model.ThreatHigh, MapScore(0.85, DefaultThresholds))
	assert.Equal(t, model.ThreatCritical, MapScore(0.95, DefaultThresholds))
}

// TestMapIsMonotoneOverAttackingTraffic checks spec.md §4.5's "monotone tier
// mapping" invariant over a grid of (p, c) pairs, beyond the table's literal
// examples: for a fixed non-normal attack_kind, (p1, c1) >= (p2, c2)
// componentwise must imply tier(p1, c1) >= tier(p2, c2). attack_kind=normal
// is excluded deliberately: there, a higher confidence alone can drop the
// tier to safe regardless of p (TestMapTable's "normal confident" case), so
// the invariant only holds once that branch is held fixed.
func TestMapIsMonotoneOverAttackingTraffic(t *testing.T) {
	points := []float64{0, 0.1, 0.3, 0.55, 0.65, 0.72, 0.78, 0.81, 0.89, 0.9, 0.95, 1}
	kinds := []model.AttackKind{model.AttackDDoS, model.AttackPortScan, model.AttackBotnet}

	for _, kind := range kinds {
		for _, p1 := range points {
			for _, p2 := range points {
				if p1 < p2 {
					continue
				}
				for _, c1 := range points {
					for _, c2 := range points {
						if c1 < c2 {
							continue
						}
						out1 := model.ClassifierOutput{AttackKind: kind, PMalicious: p1, Confidence: c1}
						out2 := model.ClassifierOutput{AttackKind: kind, PMalicious: p2, Confidence: c2}
						tier1 := Map(out1, DefaultThresholds)
						tier2 := Map(out2, DefaultThresholds)
						if tier1 < tier2 {
							t.Fatalf("monotonicity violated: (p=%v,c=%v)->%v < (p=%v,c=%v)->%v for %v",
								p1, c1, tier1, p2, c2, tier2, kind)
						}
					}
				}
			}
		}
	}
}

// TestMapScoreIsMonotone is the same invariant for the heuristic backup
// path (MapScore), which has no attack_kind branch to exclude.
func TestMapScoreIsMonotone(t *testing.T) {
	points := []float64{0, 0.1, 0.3, 0.55, 0.65, 0.72, 0.78, 0.81, 0.89, 0.9, 0.95, 1}
	for _, s1 := range points {
		for _, s2 := range points {
			if s1 < s2 {
				continue
			}
			assert.GreaterOrEqual(t, MapScore(s1, DefaultThresholds), MapScore(s2, DefaultThresholds),
				"score %v >= %v must not map to a lower tier", s1, s2)
		}
	}
}
