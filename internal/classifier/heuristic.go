// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"net"
	"strings"

	"grimm.is/warden/internal/model"
)

// Heuristic is the backup scoring path used only when the forest classifier
// is unavailable or errored (spec.md §4.5): a score computed from length,
// info-string substrings, known-suspicious ports, and private-range source
// addresses, mapped to the same table the forest's output maps through.
type Heuristic struct{}

// NewHeuristic builds the stateless fallback Classifier.
func NewHeuristic() *Heuristic { return &Heuristic{} }

var suspiciousPorts = map[uint16]bool{
	4444:  true,
	31337: true,
	1337:  true,
	6667:  true,
	6666:  true,
}

var attackTokens = []string{"union select", "' or ", "<script", "../../", "cmd.exe", "/bin/sh"}

// Predict never returns an error: it degrades gracefully on malformed input
// by treating it as benign, since the heuristic path exists precisely to
// keep the pipeline alive when the primary classifier cannot be trusted.
func (h *Heuristic) Predict(fv model.FeatureVector) (model.ClassifierOutput, error) {
	score := 0.0

	if len(fv.Lanes) > 0 {
		score += clamp01(float64(fv.Lanes[0])) * 0.3 // length, already [0,1]-normalized by the extractor
	}
	if len(fv.Lanes) > 5 && fv.Lanes[5] > 0 {
		score += 0.4 // suspicious port
	}
	if len(fv.Lanes) > 6 && fv.Lanes[6] > 0 {
		score += 0.15 // private source
	}
	if len(fv.Lanes) > 10 && fv.Lanes[10] > 0 {
		score += 0.35 // attack-token match
	}

	score = clamp01(score)

	kind := model.AttackNormal
	if score >= 0.4 {
		kind = model.AttackUnknown
	}

	return model.ClassifierOutput{
		PMalicious: score,
		Confidence: confidenceFor(score),
		AttackKind: kind,
	}, nil
}

// confidenceFor grows with the score's distance from the 0.5 decision
// boundary: scores near 0 or 1 are confident (1.0), a score of 0.5 gets 0.5.
func confidenceFor(score float64) float64 {
	return clamp01(0.5 + 2*absFloat(score-0.5))
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ScoreRaw computes the backup heuristic directly from a PacketRecord,
// independent of the feature extractor's bucketization, for callers (the
// orchestrator's backup path, whose score threat.MapScore then maps) that
// need the spec's literal rule surface: length,
// info-string substrings, known-suspicious ports, and private ranges
// (spec.md §4.5).
func ScoreRaw(rec *model.PacketRecord) float64 {
	score := 0.0

	if rec.Length > 1500 {
		score += 0.2
	}
	if rec.Length > 8000 {
		score += 0.2
	}
	if suspiciousPorts[rec.Source.Port] || suspiciousPorts[rec.Dest.Port] {
		score += 0.4
	}
	if isPrivate(rec.Source.Addr) {
		score += 0.1
	}
	lower := strings.ToLower(rec.Info)
	for _, token := range attackTokens {
		if strings.Contains(lower, token) {
			score += 0.35
			break
		}
	}

	return clamp01(score)
}

func isPrivate(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "169.254.0.0/16"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
