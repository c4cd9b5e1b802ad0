// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// singleSplitArtifact builds a minimal 1-tree, 1-split artifact over a
// 1-lane feature vector: lane 0 < 0.5 -> normal, else -> ddos.
func singleSplitArtifact() *Artifact {
	normalProbs := make([]float64, attackKindCount)
	normalProbs[model.AttackNormal] = 1.0
	ddosProbs := make([]float64, attackKindCount)
	ddosProbs[model.AttackDDoS] = 1.0

	return &Artifact{
		SchemaVersion: "1.0",
		FeatureWidth:  1,
		NumClasses:    attackKindCount,
		Trees: []Tree{{
			Nodes: []Node{
				{FeatureIndex: 0, Threshold: 0.5, Left: 1, Right: 2},
				{Left: -1, Right: -1, ClassProbs: normalProbs},
				{Left: -1, Right: -1, ClassProbs: ddosProbs},
			},
		}},
	}
}

func TestRandomForestPredictSplitsOnThreshold(t *testing.T) {
	f := NewRandomForest(singleSplitArtifact())

	out, err := f.Predict(model.FeatureVector{Lanes: []float32{0.1}})
	require.NoError(t, err)
	assert.Equal(t, model.AttackNormal, out.AttackKind)
	assert.Equal(t, 0.0, out.PMalicious)

	out, err = f.Predict(model.FeatureVector{Lanes: []float32{0.9}})
	require.NoError(t, err)
	assert.Equal(t, model.AttackDDoS, out.AttackKind)
	assert.Equal(t, 1.0, out.PMalicious)
}

func TestRandomForestPredictWidthMismatch(t *testing.T) {
	f := NewRandomForest(singleSplitArtifact())
	_, err := f.Predict(model.FeatureVector{Lanes: []float32{0.1, 0.2}})
	assert.Error(t, err)
}

func TestHeuristicFlagsSuspiciousPort(t *testing.T) {
	h := NewHeuristic()
	out, err := h.Predict(model.FeatureVector{Lanes: []float32{0.1, 0, 0, 0, 0, 1, 0}})
	require.NoError(t, err)
	assert.Greater(t, out.PMalicious, 0.3)
}

func TestScoreRawSQLInjectionPattern(t *testing.T) {
	rec := &model.PacketRecord{
		Source: model.Endpoint{Addr: "203.0.113.9"},
		Length: 900,
		Info:   "GET /search?q=1' OR '1'='1",
	}
	assert.Greater(t, ScoreRaw(rec), 0.3)
}

func TestArtifactValidateRejectsEmptyTrees(t *testing.T) {
	a := &Artifact{SchemaVersion: "1.0", FeatureWidth: 7}
	assert.Error(t, a.validate())
}

func TestArtifactValidateRejectsSchemaVersionMismatchAsFatal(t *testing.T) {
	a := singleSplitArtifact()
	a.SchemaVersion = "0.9"
	err := a.validate()
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.GetKind(err))
}
