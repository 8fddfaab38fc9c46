// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fault defines the business error taxonomy for pipeline
// steps. A StepError stops the job and is persisted on the row;
// everything else is an infrastructure fault that propagates to the
// task runtime and is retried there.
package fault

import (
	"fmt"

	"github.com/juju/errors"
)

// Code classifies a business failure of a pipeline step.
type Code string

const (
	// InvalidFeature means the job references a recipe that is not in
	// the feature catalog. Not retryable.
	InvalidFeature Code = "INVALID_FEATURE"

	// MaxStepAttempts means the current step has used up its attempt
	// budget. Not retryable.
	MaxStepAttempts Code = "MAX_STEP_ATTEMPTS"

	// ResourceExhausted means no concurrency slot became free within
	// the wait window, or the backend answered 429/503.
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"

	// ServiceTimeout means the backend did not answer within the
	// configured call timeout.
	ServiceTimeout Code = "SERVICE_TIMEOUT"

	// ServiceUnreachable means the call failed below HTTP.
	ServiceUnreachable Code = "SERVICE_UNREACHABLE"

	// ServiceHTTPError means the backend answered non-2xx without a
	// recognisable failure body.
	ServiceHTTPError Code = "SERVICE_HTTP_ERROR"

	// ServiceFailed is the default code when the backend reports a
	// failure body without naming its own code.
	ServiceFailed Code = "SERVICE_FAILED"

	// BadResponse means the backend answered 2xx with a body the
	// orchestrator cannot use.
	BadResponse Code = "BAD_RESPONSE"

	// StuckDetected means the sanity check failed a job that had made
	// no progress for too long.
	StuckDetected Code = "STUCK_DETECTED"

	// LoopDetected means the step index did not advance after a
	// committed step.
	LoopDetected Code = "LOOP_DETECTED"
)

// String is the code as persisted and surfaced to clients.
func (c Code) String() string {
	return string(c)
}

// StepError is a business failure: the step cannot succeed as-is and
// the job stops with this code recorded. Retryable tells the client
// whether an explicit resume can help.
type StepError struct {
	Code      Code
	Message   string
	Retryable bool
}

// NewStepError returns a StepError with the given classification.
func NewStepError(code Code, message string, retryable bool) *StepError {
	return &StepError{Code: code, Message: message, Retryable: retryable}
}

// Error implements error.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsStepError returns the StepError in err's chain, if there is one.
// A false return means err is an infrastructure fault.
func AsStepError(err error) (*StepError, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr, true
	}
	return nil, false
}
