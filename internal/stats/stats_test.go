// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/model"
)

func TestSnapshotCountsThreatsByTier(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordThreat(model.ThreatCritical)
	c.RecordThreat(model.ThreatCritical)
	c.RecordThreat(model.ThreatLow)

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.ThreatsByTier["critical"])
	assert.EqualValues(t, 1, snap.ThreatsByTier["low"])
	assert.EqualValues(t, 0, snap.ThreatsByTier["safe"])
}

func TestSnapshotCountsDefenseOutcomes(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordOutcome("temp_block")
	c.RecordOutcome("temp_block")
	c.RecordOutcome("permanent_block")
	c.RecordOutcome("accumulated_blocks")

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.DefenseOutcomes.TempBlock)
	assert.EqualValues(t, 1, snap.DefenseOutcomes.PermanentBlock)
	assert.EqualValues(t, 1, snap.DefenseOutcomes.AccumulatedBlock)
}

func TestAccuracyEstimateReflectsLabeledPredictions(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordLabeledPrediction(true)
	c.RecordLabeledPrediction(true)
	c.RecordLabeledPrediction(false)
	c.RecordLabeledPrediction(true)

	snap := c.Snapshot()
	assert.InDelta(t, 0.75, snap.MLStats.AccuracyEstimate, 1e-9)
}

func TestAccuracyEstimateZeroWithNoLabeledSamples(t *testing.T) {
	c := New(prometheus.NewRegistry())
	snap := c.Snapshot()
	assert.Zero(t, snap.MLStats.AccuracyEstimate)
}

func TestQueueSizeGaugeReflectsLatestValue(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.SetQueueSize(42)
	c.SetQueueSize(7)

	snap := c.Snapshot()
	assert.Equal(t, 7, snap.Resources.QueueSize)
}

func TestSampleResourceUsagePopulatesRSS(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.SampleResourceUsage(12.5)

	snap := c.Snapshot()
	assert.Greater(t, snap.Resources.RSSBytes, uint64(0))
	assert.InDelta(t, 12.5, snap.Resources.CPUPct, 1e-9)
}

func TestAttackTypeCountsReflectLatestSnapshot(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.SetAttackTypeCounts(map[model.AttackKind]int64{model.AttackDDoS: 3, model.AttackNormal: 1})

	snap := c.Snapshot()
	assert.EqualValues(t, 3, snap.MLStats.AttackTypeCounts[model.AttackDDoS.String()])
	assert.EqualValues(t, 1, snap.MLStats.AttackTypeCounts[model.AttackNormal.String()])
}

func TestModelSizeReflectsLatestValue(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.SetModelSize(12345, 98760)

	snap := c.Snapshot()
	assert.Equal(t, 12345, snap.MLStats.ModelParameterCount)
	assert.EqualValues(t, 98760, snap.MLStats.ModelSizeBytes)
}

func TestHealthStartsHealthyWithNoErrors(t *testing.T) {
	c := New(prometheus.NewRegistry())
	snap := c.Snapshot()
	assert.Equal(t, "healthy", snap.Health)
	assert.Zero(t, snap.ErrorCountsByKind["transient"])
}

func TestHealthDegradesOnTransientOrRecoverableErrors(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordError(errors.KindTransient)

	snap := c.Snapshot()
	assert.Equal(t, "degraded", snap.Health)
	assert.EqualValues(t, 1, snap.ErrorCountsByKind["transient"])
}

func TestHealthFailsOnFatalError(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordError(errors.KindRecoverable)
	c.RecordError(errors.KindFatal)

	snap := c.Snapshot()
	assert.Equal(t, "failing", snap.Health)
	assert.EqualValues(t, 1, snap.ErrorCountsByKind["fatal"])
	assert.EqualValues(t, 1, snap.ErrorCountsByKind["recoverable"])
}

func TestProtectedErrorsDoNotDegradeHealth(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordError(errors.KindProtected)

	snap := c.Snapshot()
	assert.Equal(t, "healthy", snap.Health, "a suppressed protected-range action is not itself a degradation")
	assert.EqualValues(t, 1, snap.ErrorCountsByKind["protected"])
}
