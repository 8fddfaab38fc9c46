// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reaper keeps the concurrency counters honest. The counters
// are a cache over the lease keys: when a holder crashes its lease
// expires on its own, but the counter it incremented stays put. The
// reaper periodically counts the live leases of every service and
// rewrites the counter to match, so orphaned increments cannot starve
// a service forever.
package reaper

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/redis/go-redis/v9"

	"github.com/canonical/conductor/core/catalog"
	"github.com/canonical/conductor/internal/kv"
)

var logger = loggo.GetLogger("conductor.worker.reaper")

// DefaultInterval is how often the counters are reconciled.
const DefaultInterval = 30 * time.Second

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 100

// RedisReaper is the slice of the Redis client the reaper uses.
type RedisReaper interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Config holds everything the reaper worker needs.
type Config struct {
	Redis    RedisReaper
	Catalog  *catalog.Catalog
	Clock    clock.Clock
	Interval time.Duration
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config Config) Validate() error {
	if config.Redis == nil {
		return errors.NotValidf("nil Redis")
	}
	if config.Catalog == nil {
		return errors.NotValidf("nil Catalog")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("interval %v", config.Interval)
	}
	return nil
}

type reaperWorker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts a lease reaper based on the input configuration and
// returns it.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &reaperWorker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *reaperWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.reconcile(ctx); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.config.Interval)
		}
	}
}

// reconcile rewrites every service's concurrency counter from its live
// leases. Redis failures are logged, not fatal: the next tick tries
// again.
func (w *reaperWorker) reconcile(ctx context.Context) error {
	for _, name := range w.config.Catalog.ServiceNames() {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}
		count, err := w.countLeases(ctx, name)
		if err != nil {
			logger.Errorf("counting leases of %s: %v", name, err)
			continue
		}
		if err := w.config.Redis.Set(ctx, kv.CounterKey(name), count, 0).Err(); err != nil {
			logger.Errorf("rewriting counter of %s: %v", name, err)
			continue
		}
		logger.Debugf("service %s holds %d leases", name, count)
	}
	return nil
}

func (w *reaperWorker) countLeases(ctx context.Context, service string) (int, error) {
	// SCAN may answer a key more than once within one full iteration,
	// so collect into a set before counting.
	leases := set.NewStrings()
	var cursor uint64
	for {
		keys, next, err := w.config.Redis.Scan(ctx, cursor, kv.LeasePattern(service), scanBatch).Result()
		if err != nil {
			return 0, errors.Trace(err)
		}
		for _, key := range keys {
			leases.Add(key)
		}
		if next == 0 {
			return leases.Size(), nil
		}
		cursor = next
	}
}

// Kill is part of the worker.Worker interface.
func (w *reaperWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *reaperWorker) Wait() error {
	return w.catacomb.Wait()
}
