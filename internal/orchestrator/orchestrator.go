// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package orchestrator advances jobs through their recipes, one step
// per invocation. Each invocation loads the job, takes a concurrency
// lease, calls the backend, commits the result and moves the step
// index, publishing progress along the way. Business failures stop
// the job on the row; infrastructure faults are returned to the task
// runtime, which retries the whole invocation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kr/pretty"

	"github.com/canonical/conductor/core/catalog"
	coreevents "github.com/canonical/conductor/core/events"
	"github.com/canonical/conductor/core/fault"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/backend"
)

var logger = loggo.GetLogger("conductor.orchestrator")

// Outcome is the short status an invocation reports to the task
// runtime.
type Outcome string

const (
	// OutcomeOK means one step committed and more remain.
	OutcomeOK Outcome = "OK"

	// OutcomeDone means the recipe was already exhausted and the job
	// is now COMPLETED.
	OutcomeDone Outcome = "DONE"

	// OutcomeSkipped means the current step had already committed, so
	// only the index moved.
	OutcomeSkipped Outcome = "SKIPPED_ALREADY_DONE"

	// OutcomeFailed means the job stopped on a business failure.
	OutcomeFailed Outcome = "FAILED"

	// OutcomeJobNotFound means there is no such job row.
	OutcomeJobNotFound Outcome = "JOB_NOT_FOUND"
)

// StoppedOutcome reports an invocation that found the job already in
// a terminal state.
func StoppedOutcome(status job.Status) Outcome {
	return Outcome("STOPPED_" + status.String())
}

// State is the job persistence the orchestrator depends on.
type State interface {
	Job(ctx context.Context, id string) (*job.Job, error)
	SetStatus(ctx context.Context, id string, status job.Status) error
	Fail(ctx context.Context, id, code, message string, retryable bool) error
	SaveStepResult(ctx context.Context, id, stepKey string, result job.StepResult) error
	SetStepAttempts(ctx context.Context, id, stepKey string, attempts int) error
	AdvanceStepIndex(ctx context.Context, id string) (int, error)
}

// Limiter grants per-service concurrency leases.
type Limiter interface {
	Acquire(ctx context.Context, service string, limit int, leaseTTL, waitTimeout time.Duration) (string, error)
	Release(ctx context.Context, service, token string) error
}

// Backend executes one step remotely.
type Backend interface {
	Call(ctx context.Context, svc catalog.Service, envelope backend.Envelope) (*backend.Result, error)
}

// Publisher streams progress to job watchers.
type Publisher interface {
	Publish(ctx context.Context, message coreevents.Message)
}

// Config holds the orchestrator's collaborators.
type Config struct {
	State     State
	Limiter   Limiter
	Backend   Backend
	Publisher Publisher
	Catalog   *catalog.Catalog
	Clock     clock.Clock

	// Metrics may be nil to disable instrumentation.
	Metrics *Metrics
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Limiter == nil {
		return errors.NotValidf("nil Limiter")
	}
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if config.Catalog == nil {
		return errors.NotValidf("nil Catalog")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Orchestrator runs pipeline steps.
type Orchestrator struct {
	config Config
}

// New returns an Orchestrator with the given collaborators.
func New(config Config) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Orchestrator{config: config}, nil
}

// ExecuteOneStep runs exactly one step of the job and reports how it
// went. A non-nil error is an infrastructure fault the caller should
// retry; every business failure is already persisted on the row by
// the time the outcome is returned.
func (o *Orchestrator) ExecuteOneStep(ctx context.Context, jobID string) (Outcome, error) {
	j, err := o.config.State.Job(ctx, jobID)
	if errors.Is(err, errors.NotFound) {
		return o.outcome(OutcomeJobNotFound), nil
	} else if err != nil {
		return "", errors.Trace(err)
	}
	if j.Status.Terminal() {
		logger.Debugf("job %s already %s", jobID, j.Status)
		return o.outcome(StoppedOutcome(j.Status)), nil
	}

	recipe, err := o.config.Catalog.Recipe(j.FeatureName)
	if errors.Is(err, errors.NotFound) {
		stepErr := fault.NewStepError(fault.InvalidFeature,
			fmt.Sprintf("unknown feature %q", j.FeatureName), false)
		return o.failJob(ctx, jobID, stepErr)
	} else if err != nil {
		return "", errors.Trace(err)
	}
	totalSteps := len(recipe)

	if j.CurrentStepIndex >= totalSteps {
		if err := o.config.State.SetStatus(ctx, jobID, job.Completed); err != nil {
			return "", errors.Trace(err)
		}
		o.config.Publisher.Publish(ctx, coreevents.NewJobCompleted(jobID, "Job completed"))
		return o.outcome(OutcomeDone), nil
	}

	stepIndex := j.CurrentStepIndex
	serviceName := recipe[stepIndex]
	stepKey := job.StepKey(stepIndex, serviceName)
	svc, err := o.config.Catalog.Service(serviceName)
	if err != nil {
		return "", errors.Trace(err)
	}

	// The step may already have committed: a worker that died between
	// re-enqueue and acknowledgement delivers the job twice. Move the
	// index and get out of the way.
	if existing, ok := j.Context.Result(stepKey); ok && existing.Succeeded() {
		newIndex, err := o.config.State.AdvanceStepIndex(ctx, jobID)
		if err != nil {
			return "", errors.Trace(err)
		}
		if newIndex <= stepIndex {
			return o.failJob(ctx, jobID, fault.NewStepError(fault.LoopDetected,
				"step index did not advance", true))
		}
		return o.outcome(OutcomeSkipped), nil
	}

	attempts := j.Context.AttemptCount(stepKey)
	if attempts >= svc.MaxStepAttempts {
		stepErr := fault.NewStepError(fault.MaxStepAttempts,
			fmt.Sprintf("exceeded attempts for %s", stepKey), false)
		return o.failJob(ctx, jobID, stepErr)
	}

	o.config.Publisher.Publish(ctx, coreevents.NewWaitingForSlot(
		jobID, serviceName, stepIndex, totalSteps, "Waiting for capacity..."))

	token, err := o.config.Limiter.Acquire(ctx, serviceName, svc.Limit, svc.LeaseTTL, svc.Timeout)
	if err != nil {
		return "", errors.Trace(err)
	}
	if token == "" {
		stepErr := fault.NewStepError(fault.ResourceExhausted,
			fmt.Sprintf("semaphore timeout after %v", svc.Timeout), true)
		return o.failJobWithMessage(ctx, jobID, stepErr, "Service busy. Resume available.")
	}
	defer func() {
		if err := o.config.Limiter.Release(ctx, serviceName, token); err != nil {
			logger.Errorf("releasing %s lease of job %s: %v", serviceName, jobID, err)
		}
	}()

	if err := o.config.State.SetStepAttempts(ctx, jobID, stepKey, attempts+1); err != nil {
		return "", errors.Trace(err)
	}
	if err := o.config.State.SetStatus(ctx, jobID, job.Running); err != nil {
		return "", errors.Trace(err)
	}
	o.config.Publisher.Publish(ctx, coreevents.NewStepStarted(
		jobID, serviceName, stepIndex, totalSteps,
		fmt.Sprintf("Running %s...", serviceName)))

	// Refresh the context so the envelope carries the attempt bump.
	j.Context.SetAttempts(stepKey, attempts+1)
	envelope := backend.Envelope{
		Meta: backend.Meta{
			JobID:       jobID,
			StepIndex:   stepIndex,
			ServiceName: serviceName,
			Attempt:     attempts + 1,
			Timestamp:   o.config.Clock.Now().Unix(),
		},
		Payload: backend.Payload{
			Params:  j.Context.Params,
			Context: j.Context,
		},
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("dispatching to %s: %# v", serviceName, pretty.Formatter(envelope))
	}

	started := o.config.Clock.Now()
	result, callErr := o.config.Backend.Call(ctx, svc, envelope)
	elapsed := o.config.Clock.Now().Sub(started)
	o.config.Metrics.observeStep(serviceName, elapsed)

	if callErr != nil {
		if stepErr, ok := fault.AsStepError(callErr); ok {
			return o.failJob(ctx, jobID, stepErr)
		}
		// Not a step classification: let the task runtime retry.
		return "", errors.Trace(callErr)
	}

	metrics := make(map[string]interface{}, len(result.Metrics)+1)
	for k, v := range result.Metrics {
		metrics[k] = v
	}
	metrics["execution_time_ms"] = elapsed.Milliseconds()

	if err := o.config.State.SaveStepResult(ctx, jobID, stepKey, job.StepResult{
		Status:    job.ResultSuccess,
		Data:      result.Data,
		Metrics:   metrics,
		Timestamp: o.config.Clock.Now().Unix(),
	}); err != nil {
		return "", errors.Trace(err)
	}

	newIndex, err := o.config.State.AdvanceStepIndex(ctx, jobID)
	if err != nil {
		return "", errors.Trace(err)
	}
	if newIndex <= stepIndex {
		return o.failJob(ctx, jobID, fault.NewStepError(fault.LoopDetected,
			"step index did not advance", true))
	}

	o.config.Publisher.Publish(ctx, coreevents.NewStepCompleted(
		jobID, serviceName, stepIndex, totalSteps,
		fmt.Sprintf("Completed %s", serviceName)))
	logger.Infof("job %s step %d (%s) committed in %v", jobID, stepIndex, serviceName, elapsed)
	return o.outcome(OutcomeOK), nil
}

// failJob persists the business failure and tells the watchers,
// advertising resume when the failure is retryable.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, stepErr *fault.StepError) (Outcome, error) {
	return o.failJobWithMessage(ctx, jobID, stepErr, stepErr.Message)
}

func (o *Orchestrator) failJobWithMessage(ctx context.Context, jobID string, stepErr *fault.StepError, eventMessage string) (Outcome, error) {
	if err := o.config.State.Fail(ctx, jobID, stepErr.Code.String(), stepErr.Message, stepErr.Retryable); err != nil {
		return "", errors.Trace(err)
	}
	o.config.Publisher.Publish(ctx, coreevents.NewJobError(
		jobID, stepErr.Code.String(), eventMessage, stepErr.Retryable))
	logger.Warningf("job %s failed: %v", jobID, stepErr)
	return o.outcome(OutcomeFailed), nil
}

func (o *Orchestrator) outcome(outcome Outcome) Outcome {
	o.config.Metrics.observeOutcome(outcome)
	return outcome
}
