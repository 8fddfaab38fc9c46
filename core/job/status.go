// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package job

import (
	"github.com/juju/errors"
)

// Status represents where a job is in its lifecycle.
type Status string

const (
	// Pending means the job has been accepted and is waiting for a
	// worker to pick up its next step.
	Pending Status = "PENDING"

	// Running means a worker is executing, or about to execute, the
	// current step.
	Running Status = "RUNNING"

	// Failed means the job stopped on a business error. If the error
	// was retryable the owner may resume it.
	Failed Status = "FAILED"

	// Completed means every step of the recipe committed successfully.
	Completed Status = "COMPLETED"

	// Cancelled means an external actor stopped the job.
	Cancelled Status = "CANCELLED"
)

// String is the status as stored on the job row.
func (s Status) String() string {
	return string(s)
}

// Validate returns an error satisfying errors.NotValid if the status is
// not a known value.
func (s Status) Validate() error {
	switch s {
	case Pending, Running, Failed, Completed, Cancelled:
		return nil
	}
	return errors.NotValidf("status %q", s)
}

// Terminal reports whether the status admits no further mutation.
// The orchestrator refuses to touch a terminal job.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}
