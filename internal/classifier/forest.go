// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// Classifier is the interface the pipeline orchestrator (C11) depends on;
// both RandomForest and the heuristic fallback (heuristic.go) satisfy it
// (spec.md §4.4-4.5).
type Classifier interface {
	Predict(fv model.FeatureVector) (model.ClassifierOutput, error)
}

// RandomForest evaluates an Artifact. Predict is side-effect-free and holds
// no mutable state, so a single instance is safe to call concurrently from
// parallel workers (spec.md §4.4).
type RandomForest struct {
	artifact *Artifact
}

// NewRandomForest wraps an already-loaded, already-validated artifact.
func NewRandomForest(a *Artifact) *RandomForest {
	return &RandomForest{artifact: a}
}

// Predict averages each tree's leaf class_probs and reports the class with
// the highest average probability as AttackKind, confidence = that
// probability, and PMalicious = 1 - P(normal).
func (f *RandomForest) Predict(fv model.FeatureVector) (model.ClassifierOutput, error) {
	if len(fv.Lanes) != f.artifact.FeatureWidth {
		return model.ClassifierOutput{}, errors.Errorf(errors.KindTransient,
			"feature vector width %d does not match artifact width %d", len(fv.Lanes), f.artifact.FeatureWidth)
	}

	sums := make([]float64, attackKindCount)
	for _, tree := range f.artifact.Trees {
		probs := evalTree(tree, fv.Lanes)
		for i := 0; i < len(sums) && i < len(probs); i++ {
			sums[i] += probs[i]
		}
	}

	n := float64(len(f.artifact.Trees))
	best := 0
	for i := range sums {
		sums[i] /= n
		if sums[i] > sums[best] {
			best = i
		}
	}

	return model.ClassifierOutput{
		PMalicious: 1 - sums[model.AttackNormal],
		Confidence: sums[best],
		AttackKind: model.AttackKind(best),
	}, nil
}

// evalTree walks the decision tree from the root until it reaches a leaf,
// returning that leaf's class_probs.
func evalTree(tree Tree, lanes []float32) []float64 {
	idx := 0
	for {
		if idx < 0 || idx >= len(tree.Nodes) {
			return nil
		}
		node := tree.Nodes[idx]
		if node.isLeaf() {
			return node.ClassProbs
		}
		if node.FeatureIndex < 0 || node.FeatureIndex >= len(lanes) {
			return node.ClassProbs
		}
		if float64(lanes[node.FeatureIndex]) < node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
}
