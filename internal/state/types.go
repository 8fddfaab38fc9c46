// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/conductor/core/job"
)

// jobRow mirrors the job table. Sentinel values stand in for NULLs:
// empty failure fields mean no failure, a zero promoted_at means the
// job has never been promoted.
type jobRow struct {
	ID               string `db:"id"`
	FeatureName      string `db:"feature_name"`
	Status           string `db:"status"`
	CurrentStepIndex int    `db:"current_step_index"`
	Context          string `db:"context"`
	ErrorCode        string `db:"error_code"`
	ErrorLog         string `db:"error_log"`
	Retryable        bool   `db:"retryable"`
	Priority         string `db:"priority"`
	OriginalPriority string `db:"original_priority"`
	UserID           string `db:"user_id"`
	QueuedAt         int64  `db:"queued_at"`
	PromotedAt       int64  `db:"promoted_at"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
	LastProgressAt   int64  `db:"last_progress_at"`
}

// ident carries a job id into a query.
type ident struct {
	ID string `db:"id"`
}

func (r jobRow) toCore() (*job.Job, error) {
	var ctx job.Context
	if err := json.Unmarshal([]byte(r.Context), &ctx); err != nil {
		return nil, errors.Annotatef(err, "decoding context of job %q", r.ID)
	}
	j := &job.Job{
		ID:               r.ID,
		FeatureName:      r.FeatureName,
		Status:           job.Status(r.Status),
		CurrentStepIndex: r.CurrentStepIndex,
		Context:          ctx,
		Priority:         job.Priority(r.Priority),
		OriginalPriority: job.Priority(r.OriginalPriority),
		UserID:           r.UserID,
		QueuedAt:         time.Unix(r.QueuedAt, 0),
		CreatedAt:        time.Unix(r.CreatedAt, 0),
		UpdatedAt:        time.Unix(r.UpdatedAt, 0),
		LastProgressAt:   time.Unix(r.LastProgressAt, 0),
	}
	if r.ErrorCode != "" || r.ErrorLog != "" {
		j.Failure = &job.Failure{
			Code:      r.ErrorCode,
			Message:   r.ErrorLog,
			Retryable: r.Retryable,
		}
	}
	if r.PromotedAt != 0 {
		promoted := time.Unix(r.PromotedAt, 0)
		j.PromotedAt = &promoted
	}
	return j, nil
}
