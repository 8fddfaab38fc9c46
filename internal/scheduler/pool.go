// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"gopkg.in/tomb.v2"

	"github.com/canonical/conductor/core/catalog"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/orchestrator"
)

const (
	// dequeueTimeout is how long one BRPOP blocks before the consumer
	// re-checks its lifecycle.
	dequeueTimeout = time.Second

	// dequeueErrorDelay spaces retries when Redis itself is down.
	dequeueErrorDelay = time.Second

	// Infrastructure faults of a step retry this many times, backing
	// off exponentially from retryDelay.
	retryAttempts = 10
	retryDelay    = 3 * time.Second
)

// Orchestrator runs one step of one job.
type Orchestrator interface {
	ExecuteOneStep(ctx context.Context, jobID string) (orchestrator.Outcome, error)
}

// State is the slice of the job store the pool needs to route a job
// after a step.
type State interface {
	Job(ctx context.Context, id string) (*job.Job, error)
	SetStatus(ctx context.Context, id string, status job.Status) error
}

// PoolConfig holds everything a consumer pool needs.
type PoolConfig struct {
	Queues       *Queues
	Orchestrator Orchestrator
	State        State
	Catalog      *catalog.Catalog
	Clock        clock.Clock
	Workers      int

	// Metrics may be nil to disable instrumentation.
	Metrics *Metrics
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config PoolConfig) Validate() error {
	if config.Queues == nil {
		return errors.NotValidf("nil Queues")
	}
	if config.Orchestrator == nil {
		return errors.NotValidf("nil Orchestrator")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Catalog == nil {
		return errors.NotValidf("nil Catalog")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Workers <= 0 {
		return errors.NotValidf("%d workers", config.Workers)
	}
	return nil
}

// pool owns the consumers and dies with them.
type pool struct {
	catacomb catacomb.Catacomb
}

// NewPool starts the consumer pool.
func NewPool(config PoolConfig) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	consumers := make([]worker.Worker, config.Workers)
	for i := range consumers {
		consumers[i] = newConsumer(config)
	}
	w := &pool{}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: consumers,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *pool) loop() error {
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (w *pool) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *pool) Wait() error {
	return w.catacomb.Wait()
}

// consumer is one queue-draining goroutine.
type consumer struct {
	tomb   tomb.Tomb
	config PoolConfig
}

func newConsumer(config PoolConfig) *consumer {
	c := &consumer{config: config}
	c.tomb.Go(c.loop)
	return c
}

func (c *consumer) loop() error {
	ctx := c.tomb.Context(context.Background())
	for {
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		jobID, ok, err := c.config.Queues.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			select {
			case <-c.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			logger.Errorf("dequeueing: %v", err)
			select {
			case <-c.tomb.Dying():
				return tomb.ErrDying
			case <-c.config.Clock.After(dequeueErrorDelay):
			}
			continue
		}
		if !ok {
			continue
		}
		c.config.Metrics.observeDequeue()
		c.runOne(ctx, jobID)
	}
}

// runOne executes one step, retrying infrastructure faults with
// backoff, then routes the job: re-enqueue while steps remain, mark
// COMPLETED when they do not.
func (c *consumer) runOne(ctx context.Context, jobID string) {
	var outcome orchestrator.Outcome
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			outcome, err = c.config.Orchestrator.ExecuteOneStep(ctx, jobID)
			return err
		},
		NotifyFunc: func(lastError error, attempt int) {
			c.config.Metrics.observeInfraRetry()
			logger.Warningf("step of job %s attempt %d: %v", jobID, attempt, lastError)
		},
		Attempts:    retryAttempts,
		Delay:       retryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.config.Clock,
		Stop:        c.tomb.Dying(),
	})
	if err != nil {
		logger.Errorf("giving up on job %s step: %v", jobID, err)
		return
	}
	c.config.Metrics.observeOutcome(outcome)

	switch outcome {
	case orchestrator.OutcomeOK, orchestrator.OutcomeSkipped:
	default:
		// Terminal for this delivery: completed, failed awaiting
		// resume, stopped, or gone. Nothing to schedule.
		return
	}

	j, err := c.config.State.Job(ctx, jobID)
	if err != nil {
		logger.Errorf("routing job %s after step: %v", jobID, err)
		return
	}
	recipe, err := c.config.Catalog.Recipe(j.FeatureName)
	if err != nil {
		logger.Errorf("routing job %s after step: %v", jobID, err)
		return
	}
	if j.CurrentStepIndex < len(recipe) {
		// The queue reflects the job's current class, so a promotion
		// takes effect from the very next step.
		if err := c.config.Queues.Enqueue(ctx, jobID, j.Priority); err != nil {
			logger.Errorf("re-enqueueing job %s: %v", jobID, err)
		}
		return
	}
	if err := c.config.State.SetStatus(ctx, jobID, job.Completed); err != nil {
		logger.Errorf("completing job %s: %v", jobID, err)
	}
}

// Kill is part of the worker.Worker interface.
func (c *consumer) Kill() {
	c.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *consumer) Wait() error {
	return c.tomb.Wait()
}
