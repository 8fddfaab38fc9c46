// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend

import (
	"fmt"

	"github.com/canonical/conductor/core/job"
)

// Meta identifies the step an execute call belongs to. Backends use
// it to de-duplicate redelivered work.
type Meta struct {
	JobID       string `json:"job_id"`
	StepIndex   int    `json:"step_index"`
	ServiceName string `json:"service_name"`
	Attempt     int    `json:"attempt"`
	Timestamp   int64  `json:"timestamp"`
}

// Payload carries the caller input and the accumulated pipeline
// context to the backend.
type Payload struct {
	Params  map[string]interface{} `json:"params"`
	Context job.Context            `json:"context"`
}

// Envelope is the request body of every execute call.
type Envelope struct {
	Meta    Meta    `json:"meta"`
	Payload Payload `json:"payload"`
}

// IdempotencyKey is the deterministic tag backends de-duplicate on.
func (e Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%s", e.Meta.JobID, e.Meta.StepIndex, e.Meta.ServiceName)
}
