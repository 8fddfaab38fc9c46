// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package kv wires the shared Redis state store. The concurrency
// counters, the TTL leases, the priority work queues and the event
// channels all live there; this package owns client construction and
// the key naming every component agrees on.
package kv

import (
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// NewClient returns a client for the Redis instance named by url.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Annotate(err, "parsing redis URL")
	}
	return redis.NewClient(opts), nil
}

// CounterKey is the live concurrency counter of a service. The
// counter is a cache: the lease keys are the truth, and the reaper
// rewrites the counter from them.
func CounterKey(service string) string {
	return "conc:" + service
}

// LeaseKey is one unit of in-flight concurrency against a service.
// The key expires on its own if the holder crashes.
func LeaseKey(service, token string) string {
	return "lease:" + service + ":" + token
}

// LeasePattern matches every live lease key of a service.
func LeasePattern(service string) string {
	return "lease:" + service + ":*"
}
