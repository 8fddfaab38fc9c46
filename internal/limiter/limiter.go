// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package limiter is the distributed counting semaphore that caps
// concurrent executions against each backend service. A grant is a
// TTL lease key in Redis plus an increment of the service counter;
// both sides of the exchange run as single Lua scripts so the limit
// holds under contention. The counter is only a cache of the live
// lease set: the reaper worker rewrites it from the surviving keys,
// so a crashed holder can pin a slot for at most the lease TTL.
package limiter

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"github.com/redis/go-redis/v9"
	"gopkg.in/retry.v1"

	"github.com/canonical/conductor/internal/kv"
)

var logger = loggo.GetLogger("conductor.limiter")

// pollInterval is how often a blocked acquire re-tries the grant
// script while waiting for capacity.
const pollInterval = 500 * time.Millisecond

// acquireScript increments the counter and writes the lease key, or
// refuses when the service is at its limit. One script so the
// check-increment-set sequence is indivisible.
var acquireScript = redis.NewScript(`
local counter_key = KEYS[1]
local lease_key = KEYS[2]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local cur = tonumber(redis.call("GET", counter_key) or "0")
if cur >= limit then
    return 0
end

redis.call("INCR", counter_key)
redis.call("SET", lease_key, "1", "EX", ttl)
return 1
`)

// releaseScript deletes the lease key and, only if it still existed,
// decrements the counter, clamped at zero. Releasing an expired or
// already-released lease is a no-op.
var releaseScript = redis.NewScript(`
local counter_key = KEYS[1]
local lease_key = KEYS[2]
if redis.call("DEL", lease_key) == 1 then
    local cur = tonumber(redis.call("GET", counter_key) or "0")
    if cur > 0 then redis.call("DECR", counter_key) end
    return 1
end
return 0
`)

// Limiter grants and releases concurrency leases against Redis.
type Limiter struct {
	redis   redis.Scripter
	clock   clock.Clock
	metrics *Metrics
}

// New returns a Limiter using the given Redis connection and clock.
// A nil metrics collector disables instrumentation.
func New(r redis.Scripter, clk clock.Clock, metrics *Metrics) (*Limiter, error) {
	if r == nil {
		return nil, errors.NotValidf("nil redis client")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	return &Limiter{redis: r, clock: clk, metrics: metrics}, nil
}

// Acquire blocks until the service has a free concurrency slot or
// waitTimeout elapses. A grant returns the lease token the caller
// must eventually Release; exhausting the wait returns an empty token
// and no error, leaving the classification to the caller. Errors are
// Redis transport faults only.
func (l *Limiter) Acquire(ctx context.Context, service string, limit int, leaseTTL, waitTimeout time.Duration) (string, error) {
	token := utils.MustNewUUID().String()
	keys := []string{kv.CounterKey(service), kv.LeaseKey(service, token)}
	ttlSeconds := int(leaseTTL / time.Second)

	start := l.clock.Now()
	strategy := retry.Regular{
		Total: waitTimeout,
		Delay: pollInterval,
		Min:   1,
	}
	for a := retry.Start(strategy, l.clock); a.Next(); {
		granted, err := acquireScript.Run(ctx, l.redis, keys, limit, ttlSeconds).Int()
		if err != nil {
			return "", errors.Annotatef(err, "acquiring lease for %q", service)
		}
		if granted == 1 {
			waited := l.clock.Now().Sub(start)
			logger.Debugf("granted %q lease %s after %v", service, token, waited)
			l.metrics.observeAcquire(service, outcomeGranted, waited)
			return token, nil
		}
	}
	logger.Debugf("no %q capacity within %v", service, waitTimeout)
	l.metrics.observeAcquire(service, outcomeTimeout, waitTimeout)
	return "", nil
}

// Release returns the lease to the pool. It is idempotent: releasing
// a token whose lease already expired only logs.
func (l *Limiter) Release(ctx context.Context, service, token string) error {
	keys := []string{kv.CounterKey(service), kv.LeaseKey(service, token)}
	released, err := releaseScript.Run(ctx, l.redis, keys).Int()
	if err != nil {
		return errors.Annotatef(err, "releasing lease %q of %q", token, service)
	}
	if released == 0 {
		logger.Debugf("lease %s of %q already gone", token, service)
	}
	return nil
}
