// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sanity fails jobs that claim to be running but have made no
// progress for too long. A process crash between dequeue and commit
// leaves the row RUNNING forever; this worker turns that into an
// explicit, resumable failure so the client is not left staring at a
// frozen progress bar.
package sanity

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
	"github.com/canonical/conductor/core/fault"
	"github.com/canonical/conductor/core/job"
)

var logger = loggo.GetLogger("conductor.worker.sanity")

// stuckMessage is what watchers of a stuck job are told.
const stuckMessage = "Job paused due to inactivity. You can resume."

// State is the slice of the job store the sanity check uses.
type State interface {
	StuckJobs(ctx context.Context, olderThan time.Duration) ([]*job.Job, error)
	Fail(ctx context.Context, id, code, message string, retryable bool) error
}

// Publisher emits progress events to job watchers.
type Publisher interface {
	Publish(ctx context.Context, message events.Message)
}

// Config holds everything the sanity worker needs.
type Config struct {
	State     State
	Publisher Publisher
	Clock     clock.Clock

	// Interval is how often the check runs; StuckAfter is how long a
	// running job may sit without progress before it is failed.
	Interval   time.Duration
	StuckAfter time.Duration
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
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
	if config.StuckAfter <= 0 {
		return errors.NotValidf("stuck threshold %v", config.StuckAfter)
	}
	return nil
}

type sanityWorker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts a stuck-job check based on the input configuration
// and returns it.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &sanityWorker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *sanityWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.check(ctx); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.config.Interval)
		}
	}
}

func (w *sanityWorker) check(ctx context.Context) error {
	stuck, err := w.config.State.StuckJobs(ctx, w.config.StuckAfter)
	if err != nil {
		return errors.Annotate(err, "listing stuck jobs")
	}
	for _, j := range stuck {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}
		message := fmt.Sprintf("No progress for more than %v", w.config.StuckAfter)
		if err := w.config.State.Fail(ctx, j.ID, fault.StuckDetected.String(), message, true); err != nil {
			logger.Errorf("failing stuck job %s: %v", j.ID, err)
			continue
		}
		logger.Warningf("job %s stuck: %s", j.ID, message)
		w.config.Publisher.Publish(ctx, events.NewJobError(
			j.ID, fault.StuckDetected.String(), stuckMessage, true))
	}
	return nil
}

// Kill is part of the worker.Worker interface.
func (w *sanityWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *sanityWorker) Wait() error {
	return w.catacomb.Wait()
}
