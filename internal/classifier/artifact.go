// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier implements the threat classifier (spec.md §4.4, C4): a
// random-forest-style ensemble loaded from a versioned JSON artifact, with a
// heuristic fallback path used when the artifact is unavailable (spec.md
// §4.5). No third-party ML/tensor library exists anywhere in the example
// corpus (confirmed by inspection), so the forest is a small hand-rolled
// decision-tree ensemble rather than a wrapped library.
package classifier

import (
	"encoding/json"
	"os"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

// ArtifactSchemaVersion is bumped whenever the feature bucketization
// constants in internal/features change, per spec.md §4.3's "bucketization
// constants are part of the model artifact" contract.
const ArtifactSchemaVersion = "1.0"

// Node is one decision node or leaf of a tree. A leaf has Left == Right == -1
// and a non-nil ClassProbs.
type Node struct {
	FeatureIndex int       `json:"feature_index"`
	Threshold    float64   `json:"threshold"`
	Left         int       `json:"left"`
	Right        int       `json:"right"`
	ClassProbs   []float64 `json:"class_probs,omitempty"`
}

func (n Node) isLeaf() bool { return n.Left < 0 && n.Right < 0 }

// Tree is a flat array of Nodes; index 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Artifact is the on-disk representation of a trained forest, produced
// offline and loaded read-only at startup (spec.md §4.4).
type Artifact struct {
	SchemaVersion string  `json:"schema_version"`
	FeatureWidth  int     `json:"feature_width"`
	NumClasses    int     `json:"num_classes"` // must equal len(model.AttackKind values)
	Trees         []Tree  `json:"trees"`
}

// LoadArtifact reads and validates a forest artifact from path.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindRecoverable, "read classifier artifact %q", path)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrapf(err, errors.KindRecoverable, "parse classifier artifact %q", path)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if a.SchemaVersion == "" {
		return errors.New(errors.KindRecoverable, "classifier artifact missing schema_version")
	}
	if a.SchemaVersion != ArtifactSchemaVersion {
		// A version mismatch means the feature bucketization constants the
		// artifact was trained against no longer match internal/features;
		// spec.md §7 treats this as Fatal, not a fallback-to-heuristic case.
		return errors.Errorf(errors.KindFatal, "classifier artifact schema_version %q does not match %q", a.SchemaVersion, ArtifactSchemaVersion)
	}
	if a.FeatureWidth <= 0 {
		return errors.New(errors.KindRecoverable, "classifier artifact declares non-positive feature_width")
	}
	if len(a.Trees) == 0 {
		return errors.New(errors.KindRecoverable, "classifier artifact has no trees")
	}
	for i, tree := range a.Trees {
		if len(tree.Nodes) == 0 {
			return errors.Errorf(errors.KindRecoverable, "tree %d has no nodes", i)
		}
	}
	return nil
}

// attackKindCount is the number of model.AttackKind values the forest must
// emit class probabilities for.
const attackKindCount = int(model.AttackUnknown) + 1
