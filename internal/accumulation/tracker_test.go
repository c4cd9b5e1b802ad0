// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package accumulation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/warden/internal/model"
)

func TestMediumEscalatesAtThreshold(t *testing.T) {
	tr := New()
	now := time.Now()

	assert.Equal(t, EscalationNone, tr.Record("203.0.113.5", model.ThreatMedium, now))
	assert.Equal(t, EscalationNone, tr.Record("203.0.113.5", model.ThreatMedium, now.Add(time.Second)))
	assert.Equal(t, EscalationTempBlock, tr.Record("203.0.113.5", model.ThreatMedium, now.Add(2*time.Second)))

	medium, _ := tr.Counts("203.0.113.5", now.Add(2*time.Second))
	assert.Equal(t, 0, medium, "window must clear on escalation")
}

func TestLowEscalatesAtThreshold(t *testing.T) {
	tr := New()
	now := time.Now()
	for i := 0; i < 9; i++ {
		assert.Equal(t, EscalationNone, tr.Record("198.51.100.9", model.ThreatLow, now.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, EscalationWarnBlock, tr.Record("198.51.100.9", model.ThreatLow, now.Add(9*time.Second)))
}

func TestWindowPruning(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.Record("10.0.0.9", model.ThreatMedium, now)
	tr.Record("10.0.0.9", model.ThreatMedium, now.Add(time.Second))

	// Well past the 60s medium window: both events must be pruned away.
	later := now.Add(2 * time.Minute)
	medium, _ := tr.Counts("10.0.0.9", later)
	assert.Equal(t, 0, medium)

	// A fresh event at `later` must not immediately escalate.
	assert.Equal(t, EscalationNone, tr.Record("10.0.0.9", model.ThreatMedium, later))
}

func TestSafeAndHighLevelsDoNotAccumulate(t *testing.T) {
	tr := New()
	now := time.Now()
	assert.Equal(t, EscalationNone, tr.Record("203.0.113.1", model.ThreatSafe, now))
	assert.Equal(t, EscalationNone, tr.Record("203.0.113.1", model.ThreatHigh, now))
	assert.Equal(t, 0, tr.Len())
}
