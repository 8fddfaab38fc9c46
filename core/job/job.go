// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package job holds the domain types for pipeline jobs: the durable
// Job row, its lifecycle Status, its scheduling Priority, and the
// Context bag each step reads from and writes to.
package job

import (
	"time"
)

// Failure describes why a job stopped making progress. It is only
// populated while the job status is Failed; resuming clears it.
type Failure struct {
	Code      string
	Message   string
	Retryable bool
}

// Job is one pipeline run: an ordered recipe of service steps executed
// on behalf of a user, one step at a time.
type Job struct {
	ID          string
	FeatureName string
	Status      Status

	// CurrentStepIndex is the recipe index the orchestrator executes
	// next. It only ever grows.
	CurrentStepIndex int

	// Context carries the caller input and the per-step results and
	// attempt counters.
	Context Context

	// Failure is set iff Status is Failed.
	Failure *Failure

	// Priority is the class the job is currently scheduled at.
	// OriginalPriority is the class it was created with; it is set
	// once and never changes.
	Priority         Priority
	OriginalPriority Priority

	UserID string

	// QueuedAt anchors priority aging: the promoter compares it
	// against the promotion thresholds. It is set at creation and
	// reset on every promotion.
	QueuedAt time.Time

	// PromotedAt is the time of the last promotion, nil if the job
	// has never been promoted.
	PromotedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// LastProgressAt advances whenever a step result is saved or the
	// step index moves. The stuck-job detector keys off it.
	LastProgressAt time.Time
}
