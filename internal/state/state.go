// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the durable job repository. Every mutation the
// orchestrator, the reconcilers and the API surface make to a job row
// goes through here.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/conductor/core/job"
)

// State exposes persistence operations on job rows.
type State struct {
	db    *sqlair.DB
	clock clock.Clock
}

// NewState wraps the given database, ensuring the job schema exists.
func NewState(db *sql.DB, clk clock.Clock) (*State, error) {
	if db == nil {
		return nil, errors.NotValidf("nil db")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	if err := ensureSchema(db); err != nil {
		return nil, errors.Trace(err)
	}
	return &State{db: sqlair.NewDB(db), clock: clk}, nil
}

// CreateJobArgs names everything needed to persist a new job.
type CreateJobArgs struct {
	ID          string
	FeatureName string
	Params      map[string]interface{}
	Priority    job.Priority
	UserID      string
}

// Create persists a new PENDING job. The priority given becomes both
// the scheduling priority and the immutable original priority.
func (s *State) Create(ctx context.Context, args CreateJobArgs) (*job.Job, error) {
	if args.ID == "" {
		return nil, errors.NotValidf("empty job id")
	}
	if err := args.Priority.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	contextJSON, err := json.Marshal(job.NewContext(args.Params))
	if err != nil {
		return nil, errors.Trace(err)
	}

	now := s.now()
	row := jobRow{
		ID:               args.ID,
		FeatureName:      args.FeatureName,
		Status:           job.Pending.String(),
		Context:          string(contextJSON),
		Priority:         args.Priority.String(),
		OriginalPriority: args.Priority.String(),
		UserID:           args.UserID,
		QueuedAt:         now,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastProgressAt:   now,
	}

	stmt, err := sqlair.Prepare(`
INSERT INTO job (*) VALUES ($jobRow.*)`, jobRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.db.Query(ctx, stmt, row).Run(); err != nil {
		return nil, errors.Annotatef(err, "creating job %q", args.ID)
	}
	return row.toCore()
}

// Job returns the job with the given id, or an error satisfying
// errors.NotFound.
func (s *State) Job(ctx context.Context, id string) (*job.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM job WHERE id = $ident.id`, jobRow{}, ident{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var row jobRow
	err = s.db.Query(ctx, stmt, ident{ID: id}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, errors.NotFoundf("job %q", id)
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading job %q", id)
	}
	return row.toCore()
}

// SetStatus moves the job to the given status.
func (s *State) SetStatus(ctx context.Context, id string, status job.Status) error {
	if err := status.Validate(); err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
UPDATE job SET status = $M.status, updated_at = $M.now
WHERE  id = $ident.id`, sqlair.M{}, ident{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.update(ctx, id, stmt,
		sqlair.M{"status": status.String(), "now": s.now()}, ident{ID: id}))
}

// Fail stops the job with the given business failure. The code,
// message and retryable flag are what the resume surface and the
// event stream report to the owner.
func (s *State) Fail(ctx context.Context, id, code, message string, retryable bool) error {
	stmt, err := sqlair.Prepare(`
UPDATE job SET status     = $M.status,
               error_code = $M.code,
               error_log  = $M.message,
               retryable  = $M.retryable,
               updated_at = $M.now
WHERE  id = $ident.id`, sqlair.M{}, ident{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.update(ctx, id, stmt, sqlair.M{
		"status":    job.Failed.String(),
		"code":      code,
		"message":   message,
		"retryable": retryable,
		"now":       s.now(),
	}, ident{ID: id}))
}

// ClearFailure wipes the failure fields and moves the job to RUNNING,
// returning the status it had before. This is the resume operation.
func (s *State) ClearFailure(ctx context.Context, id string) (job.Status, error) {
	selectStmt, err := sqlair.Prepare(`
SELECT &jobRow.status FROM job WHERE id = $ident.id`, jobRow{}, ident{})
	if err != nil {
		return "", errors.Trace(err)
	}
	updateStmt, err := sqlair.Prepare(`
UPDATE job SET status     = $M.status,
               error_code = '',
               error_log  = '',
               retryable  = 0,
               updated_at = $M.now
WHERE  id = $ident.id`, sqlair.M{}, ident{})
	if err != nil {
		return "", errors.Trace(err)
	}

	var previous job.Status
	err = s.txn(ctx, func(tx *sqlair.TX) error {
		var row jobRow
		err := tx.Query(ctx, selectStmt, ident{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("job %q", id)
		} else if err != nil {
			return errors.Trace(err)
		}
		previous = job.Status(row.Status)
		return errors.Trace(tx.Query(ctx, updateStmt, sqlair.M{
			"status": job.Running.String(),
			"now":    s.now(),
		}, ident{ID: id}).Run())
	})
	if err != nil {
		return "", errors.Annotatef(err, "clearing failure of job %q", id)
	}
	return previous, nil
}

// SaveStepResult records the committed result for the step key and
// marks progress.
func (s *State) SaveStepResult(ctx context.Context, id, stepKey string, result job.StepResult) error {
	now := s.now()
	err := s.mutateContext(ctx, id, func(c *job.Context) {
		c.SetResult(stepKey, result)
	}, sqlair.M{"now": now, "progress": now})
	return errors.Annotatef(err, "saving result %q of job %q", stepKey, id)
}

// SetStepAttempts records the attempt counter for the step key.
func (s *State) SetStepAttempts(ctx context.Context, id, stepKey string, attempts int) error {
	err := s.mutateContext(ctx, id, func(c *job.Context) {
		c.SetAttempts(stepKey, attempts)
	}, nil)
	return errors.Annotatef(err, "saving attempts of %q of job %q", stepKey, id)
}

// AdvanceStepIndex bumps the step index by one and returns the new
// value.
func (s *State) AdvanceStepIndex(ctx context.Context, id string) (int, error) {
	updateStmt, err := sqlair.Prepare(`
UPDATE job SET current_step_index = current_step_index + 1,
               updated_at         = $M.now,
               last_progress_at   = $M.now
WHERE  id = $ident.id`, sqlair.M{}, ident{})
	if err != nil {
		return 0, errors.Trace(err)
	}
	selectStmt, err := sqlair.Prepare(`
SELECT &jobRow.current_step_index FROM job WHERE id = $ident.id`, jobRow{}, ident{})
	if err != nil {
		return 0, errors.Trace(err)
	}

	var index int
	err = s.txn(ctx, func(tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, updateStmt, sqlair.M{"now": s.now()}, ident{ID: id}).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		if affected, err := outcome.Result().RowsAffected(); err != nil {
			return errors.Trace(err)
		} else if affected == 0 {
			return errors.NotFoundf("job %q", id)
		}
		var row jobRow
		if err := tx.Query(ctx, selectStmt, ident{ID: id}).Get(&row); err != nil {
			return errors.Trace(err)
		}
		index = row.CurrentStepIndex
		return nil
	})
	if err != nil {
		return 0, errors.Annotatef(err, "advancing step index of job %q", id)
	}
	return index, nil
}

// StuckJobs returns every RUNNING job that has made no progress for
// longer than olderThan.
func (s *State) StuckJobs(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM job
WHERE  status = $M.status
AND    last_progress_at < $M.cutoff`, jobRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	cutoff := s.clock.Now().Add(-olderThan).Unix()
	return s.jobs(ctx, stmt, sqlair.M{"status": job.Running.String(), "cutoff": cutoff})
}

// PromotionCandidates returns every PENDING or RUNNING job that has
// waited long enough on its queue to move up a class: low jobs past
// lowAfter, and medium jobs that did not start out high past
// mediumAfter.
func (s *State) PromotionCandidates(ctx context.Context, lowAfter, mediumAfter time.Duration) ([]*job.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM job
WHERE  status IN ($M.pending, $M.running)
AND    ((priority = $M.low AND queued_at < $M.low_cutoff)
     OR (priority = $M.medium AND original_priority != $M.high AND queued_at < $M.medium_cutoff))`,
		jobRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	now := s.clock.Now()
	return s.jobs(ctx, stmt, sqlair.M{
		"pending":       job.Pending.String(),
		"running":       job.Running.String(),
		"low":           job.Low.String(),
		"medium":        job.Medium.String(),
		"high":          job.High.String(),
		"low_cutoff":    now.Add(-lowAfter).Unix(),
		"medium_cutoff": now.Add(-mediumAfter).Unix(),
	})
}

// Promote moves the job to the given priority class, stamping the
// promotion time and restarting the aging clock.
func (s *State) Promote(ctx context.Context, id string, to job.Priority) error {
	if err := to.Validate(); err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
UPDATE job SET priority    = $M.priority,
               promoted_at = $M.now,
               queued_at   = $M.now,
               updated_at  = $M.now
WHERE  id = $ident.id`, sqlair.M{}, ident{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.update(ctx, id, stmt,
		sqlair.M{"priority": to.String(), "now": s.now()}, ident{ID: id}))
}

// mutateContext applies fn to the decoded context of the job inside a
// transaction and writes the result back. extra may carry a
// "progress" timestamp to also bump last_progress_at.
func (s *State) mutateContext(ctx context.Context, id string, fn func(*job.Context), extra sqlair.M) error {
	selectStmt, err := sqlair.Prepare(`
SELECT &jobRow.context FROM job WHERE id = $ident.id`, jobRow{}, ident{})
	if err != nil {
		return errors.Trace(err)
	}
	query := `
UPDATE job SET context = $M.context, updated_at = $M.now
WHERE  id = $ident.id`
	if _, ok := extra["progress"]; ok {
		query = `
UPDATE job SET context = $M.context, updated_at = $M.now, last_progress_at = $M.progress
WHERE  id = $ident.id`
	}
	updateStmt, err := sqlair.Prepare(query, sqlair.M{}, ident{})
	if err != nil {
		return errors.Trace(err)
	}

	return s.txn(ctx, func(tx *sqlair.TX) error {
		var row jobRow
		err := tx.Query(ctx, selectStmt, ident{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("job %q", id)
		} else if err != nil {
			return errors.Trace(err)
		}
		var jobContext job.Context
		if err := json.Unmarshal([]byte(row.Context), &jobContext); err != nil {
			return errors.Annotate(err, "decoding context")
		}
		fn(&jobContext)
		updated, err := json.Marshal(jobContext)
		if err != nil {
			return errors.Trace(err)
		}
		args := sqlair.M{"context": string(updated), "now": s.now()}
		for k, v := range extra {
			args[k] = v
		}
		return errors.Trace(tx.Query(ctx, updateStmt, args, ident{ID: id}).Run())
	})
}

func (s *State) jobs(ctx context.Context, stmt *sqlair.Statement, args sqlair.M) ([]*job.Job, error) {
	var rows []jobRow
	err := s.db.Query(ctx, stmt, args).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	jobs := make([]*job.Job, 0, len(rows))
	for _, row := range rows {
		j, err := row.toCore()
		if err != nil {
			return nil, errors.Trace(err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// update runs a single-row update, translating zero rows affected
// into a not-found error.
func (s *State) update(ctx context.Context, id string, stmt *sqlair.Statement, args ...any) error {
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, args...).Get(&outcome); err != nil {
		return errors.Trace(err)
	}
	if affected, err := outcome.Result().RowsAffected(); err != nil {
		return errors.Trace(err)
	} else if affected == 0 {
		return errors.NotFoundf("job %q", id)
	}
	return nil
}

func (s *State) txn(ctx context.Context, fn func(*sqlair.TX) error) error {
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

func (s *State) now() int64 {
	return s.clock.Now().Unix()
}
