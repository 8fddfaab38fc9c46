// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scheduler feeds jobs to the orchestrator. Jobs wait as ids
// on three Redis lists, one per priority class; a pool of consumers
// pops them highest class first, runs one step, and re-enqueues the
// job onto whatever class it belongs to afterwards. Infrastructure
// faults of a step are retried here with exponential backoff;
// business failures are not, they sit on the job row awaiting an
// explicit resume.
package scheduler

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/redis/go-redis/v9"

	"github.com/canonical/conductor/core/job"
)

var logger = loggo.GetLogger("conductor.scheduler")

// RedisQueues is the slice of the Redis client the queues use.
type RedisQueues interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Queues is the priority work queue set.
type Queues struct {
	redis RedisQueues
}

// NewQueues returns the queue set backed by the given Redis
// connection.
func NewQueues(r RedisQueues) (*Queues, error) {
	if r == nil {
		return nil, errors.NotValidf("nil redis client")
	}
	return &Queues{redis: r}, nil
}

// Enqueue schedules the job onto the queue of the given class.
func (q *Queues) Enqueue(ctx context.Context, jobID string, priority job.Priority) error {
	if err := priority.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := q.redis.LPush(ctx, priority.QueueName(), jobID).Err(); err != nil {
		return errors.Annotatef(err, "enqueueing job %q on %s", jobID, priority.QueueName())
	}
	logger.Debugf("enqueued job %s on %s", jobID, priority.QueueName())
	return nil
}

// Dequeue pops the next job id, scanning the high queue before
// medium before low, blocking up to timeout. A false return with nil
// error means every queue stayed empty.
func (q *Queues) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	keys := make([]string, len(job.Priorities))
	for i, p := range job.Priorities {
		keys[i] = p.QueueName()
	}
	popped, err := q.redis.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Annotate(err, "dequeueing")
	}
	// BRPOP answers [queue, value].
	return popped[1], true, nil
}
