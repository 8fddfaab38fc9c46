// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package promoter ages waiting jobs up the priority ladder. A job
// stuck too long on the low queue moves to medium, and on the medium
// queue to high, so a busy period cannot starve the patient. Jobs
// that started out high never round-trip through the ladder.
package promoter

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/conductor/core/events"
	"github.com/canonical/conductor/core/job"
)

var logger = loggo.GetLogger("conductor.worker.promoter")

// DefaultInterval is how often promotion candidates are scanned for.
const DefaultInterval = 5 * time.Minute

// State is the slice of the job store the promoter uses.
type State interface {
	PromotionCandidates(ctx context.Context, lowAfter, mediumAfter time.Duration) ([]*job.Job, error)
	Promote(ctx context.Context, id string, to job.Priority) error
}

// Queues schedules jobs onto the priority work queues.
type Queues interface {
	Enqueue(ctx context.Context, jobID string, priority job.Priority) error
}

// Publisher emits progress events to job watchers.
type Publisher interface {
	Publish(ctx context.Context, message events.Message)
}

// Config holds everything the promoter worker needs.
type Config struct {
	State     State
	Queues    Queues
	Publisher Publisher
	Clock     clock.Clock
	Interval  time.Duration

	// LowAfter and MediumAfter are how long a job waits on the low and
	// medium queues before moving up a class.
	LowAfter    time.Duration
	MediumAfter time.Duration
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Queues == nil {
		return errors.NotValidf("nil Queues")
	}
	if config.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("interval %v", config.Interval)
	}
	if config.LowAfter <= 0 || config.MediumAfter <= 0 {
		return errors.NotValidf("promotion thresholds %v/%v", config.LowAfter, config.MediumAfter)
	}
	return nil
}

type promoterWorker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts a priority promoter based on the input
// configuration and returns it.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &promoterWorker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *promoterWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.promote(ctx); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.config.Interval)
		}
	}
}

func (w *promoterWorker) promote(ctx context.Context) error {
	candidates, err := w.config.State.PromotionCandidates(ctx, w.config.LowAfter, w.config.MediumAfter)
	if err != nil {
		return errors.Annotate(err, "listing promotion candidates")
	}
	for _, j := range candidates {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}
		from, to := j.Priority, j.Priority.Promoted()
		if to == from {
			continue
		}
		if err := w.config.State.Promote(ctx, j.ID, to); err != nil {
			logger.Errorf("promoting job %s: %v", j.ID, err)
			continue
		}
		logger.Infof("job %s promoted %s -> %s", j.ID, from, to)
		w.config.Publisher.Publish(ctx, events.NewJobPromoted(
			j.ID, from.String(), to.String(),
			fmt.Sprintf("Job promoted from %s to %s due to wait time", from, to)))

		// Running jobs re-enter the queues by themselves after the
		// current step; only jobs parked PENDING need rescheduling.
		if j.Status != job.Pending {
			continue
		}
		if err := w.config.Queues.Enqueue(ctx, j.ID, to); err != nil {
			logger.Errorf("re-enqueueing promoted job %s: %v", j.ID, err)
		}
	}
	return nil
}

// Kill is part of the worker.Worker interface.
func (w *promoterWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *promoterWorker) Wait() error {
	return w.catacomb.Wait()
}
