// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package trainer implements the online trainer (spec.md §4.10, C10): a
// background task that periodically draws a minibatch from the prioritized
// replay buffer (C9) and runs one CQL update on the response-policy agent
// (C8), writing the resulting TD errors back as new priorities.
package trainer

import (
	"math"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/replay"
	"grimm.is/warden/internal/rlagent"
)

// Config controls the trainer's schedule, mirroring config.Training so this
// package has no dependency on the config package's YAML tags.
type Config struct {
	WakeInterval  time.Duration
	MinExperience int
	BatchSize     int
	LossHistory   int
	RetryBackoff  time.Duration
	DrainTimeout  time.Duration
}

// DefaultConfig matches config.Default()'s reinforcement_learning.training
// block.
func DefaultConfig() Config {
	return Config{
		WakeInterval:  10 * time.Second,
		MinExperience: 32,
		BatchSize:     32,
		LossHistory:   100,
		RetryBackoff:  30 * time.Second,
		DrainTimeout:  15 * time.Second,
	}
}

// Trainer owns the background training goroutine.
type Trainer struct {
	agent  *rlagent.Agent
	buffer *replay.Buffer
	cfg    Config
	log    *logging.Logger

	mu          sync.Mutex
	lossHistory []float64
	updates     int64

	stopCh chan struct{}
	doneCh chan struct{}

	// newTicker builds the wake-up source run() selects on. It defaults to
	// a real ticker; tests substitute a testutil.FakeTicker so a step can
	// be driven deterministically instead of sleeping real time.
	newTicker func(time.Duration) clock.Ticker
}

// New builds a Trainer over an already-constructed agent and replay buffer.
func New(agent *rlagent.Agent, buffer *replay.Buffer, cfg Config, log *logging.Logger) *Trainer {
	return &Trainer{
		agent:     agent,
		buffer:    buffer,
		cfg:       cfg,
		log:       log.WithComponent("trainer"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		newTicker: clock.NewRealTicker,
	}
}

// Start launches the background wake loop. It returns immediately; call
// Stop to request a cooperative shutdown.
func (t *Trainer) Start() {
	go t.run()
}

// Stop signals the loop to exit and blocks until it has drained, or until
// cfg.DrainTimeout elapses (spec.md §4.10: "must drain in <= 15s").
func (t *Trainer) Stop() {
	close(t.stopCh)
	select {
	case <-t.doneCh:
	case <-time.After(t.cfg.DrainTimeout):
		t.log.Warn("trainer did not drain within timeout", "timeout", t.cfg.DrainTimeout)
	}
}

func (t *Trainer) run() {
	defer close(t.doneCh)

	interval := t.cfg.WakeInterval
	ticker := t.newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C():
			if err := t.step(); err != nil {
				t.log.Error("training step failed, backing off", "error", err, "backoff", t.cfg.RetryBackoff)
				ticker.Reset(t.cfg.RetryBackoff)
				select {
				case <-t.stopCh:
					return
				case <-time.After(t.cfg.RetryBackoff):
				}
				ticker.Reset(interval)
			}
		}
	}
}

// step runs exactly one minibatch update, or is a no-op if C9 does not yet
// hold the minimum precondition count.
func (t *Trainer) step() error {
	if t.buffer.Len() < t.cfg.MinExperience {
		return nil
	}

	experiences, indices, weights := t.buffer.Sample(t.cfg.BatchSize)
	if len(experiences) == 0 {
		return nil
	}

	batch := rlagent.Batch{
		States:     make([]rlagent.RLStateLike, len(experiences)),
		Actions:    make([]int, len(experiences)),
		Rewards:    make([]float64, len(experiences)),
		NextStates: make([]rlagent.RLStateLike, len(experiences)),
		Dones:      make([]bool, len(experiences)),
		Weights:    weights,
	}
	for i, exp := range experiences {
		batch.States[i] = rlagent.RLStateLike(exp.State)
		batch.Actions[i] = int(exp.Action)
		batch.Rewards[i] = float64(exp.Reward)
		batch.NextStates[i] = rlagent.RLStateLike(exp.NextState)
		batch.Dones[i] = exp.Done
	}

	tdErrors := t.agent.Train(batch)
	t.buffer.UpdatePriorities(indices, tdErrors)
	t.agent.DecayEpsilon()

	loss := meanSquared(tdErrors)
	t.recordLoss(loss)
	return nil
}

func meanSquared(tdErrors []float64) float64 {
	if len(tdErrors) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range tdErrors {
		sum += e * e
	}
	return sum / float64(len(tdErrors))
}

func (t *Trainer) recordLoss(loss float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates++
	t.lossHistory = append(t.lossHistory, loss)
	if len(t.lossHistory) > t.cfg.LossHistory {
		t.lossHistory = t.lossHistory[len(t.lossHistory)-t.cfg.LossHistory:]
	}
}

// LossHistory returns a copy of the bounded recent-loss window.
func (t *Trainer) LossHistory() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float64, len(t.lossHistory))
	copy(out, t.lossHistory)
	return out
}

// Updates reports the total number of completed training steps.
func (t *Trainer) Updates() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

// MeanLoss returns the average of the retained loss history, or NaN if no
// updates have run yet.
func (t *Trainer) MeanLoss() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lossHistory) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, l := range t.lossHistory {
		sum += l
	}
	return sum / float64(len(t.lossHistory))
}
