// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// conductord is the pipeline orchestration daemon. One process carries
// the whole control plane: the HTTP/websocket API, the queue consumer
// pool, the event relay, and the periodic reconcilers. Multiple
// processes may run side by side against the same Redis and a shared
// job store.
package main

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/conductor/internal/apiserver"
	"github.com/canonical/conductor/internal/backend"
	"github.com/canonical/conductor/internal/config"
	"github.com/canonical/conductor/internal/events"
	"github.com/canonical/conductor/internal/kv"
	"github.com/canonical/conductor/internal/limiter"
	"github.com/canonical/conductor/internal/orchestrator"
	"github.com/canonical/conductor/internal/scheduler"
	"github.com/canonical/conductor/internal/state"
	"github.com/canonical/conductor/internal/worker/promoter"
	"github.com/canonical/conductor/internal/worker/reaper"
	"github.com/canonical/conductor/internal/worker/sanity"
)

var logger = loggo.GetLogger("conductor.cmd.conductord")

// stopTimeout bounds the wait for workers to die on shutdown.
const stopTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductord: %v\n", err)
		os.Exit(1)
	}
}

type namedWorker struct {
	name   string
	worker worker.Worker
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return errors.Annotate(err, "reading configuration")
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return errors.Annotate(err, "building service catalog")
	}

	db, err := sql.Open("sqlite3", cfg.DatabaseURL)
	if err != nil {
		return errors.Annotate(err, "opening job store")
	}
	defer func() { _ = db.Close() }()
	// sqlite tolerates one writer; serialise access instead of
	// surfacing "database is locked" to callers.
	db.SetMaxOpenConns(1)
	st, err := state.NewState(db, clock.WallClock)
	if err != nil {
		return errors.Annotate(err, "preparing job store")
	}

	redisClient, err := kv.NewClient(cfg.RedisURL)
	if err != nil {
		return errors.Annotate(err, "connecting to redis")
	}
	defer func() { _ = redisClient.Close() }()

	registry := prometheus.NewRegistry()
	limiterMetrics := limiter.NewMetrics()
	orchestratorMetrics := orchestrator.NewMetrics()
	schedulerMetrics := scheduler.NewMetrics()
	for _, collector := range []prometheus.Collector{
		limiterMetrics, orchestratorMetrics, schedulerMetrics,
	} {
		if err := registry.Register(collector); err != nil {
			return errors.Annotate(err, "registering metrics")
		}
	}

	publisher, err := events.NewPublisher(redisClient)
	if err != nil {
		return errors.Trace(err)
	}
	lim, err := limiter.New(redisClient, clock.WallClock, limiterMetrics)
	if err != nil {
		return errors.Trace(err)
	}
	client, err := backend.NewClient(cfg.HTTPConnectTimeout, cfg.HTTPReadTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	orch, err := orchestrator.New(orchestrator.Config{
		State:     st,
		Limiter:   lim,
		Backend:   client,
		Publisher: publisher,
		Catalog:   cat,
		Clock:     clock.WallClock,
		Metrics:   orchestratorMetrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	queues, err := scheduler.NewQueues(redisClient)
	if err != nil {
		return errors.Trace(err)
	}
	hub := pubsub.NewSimpleHub(nil)

	listener, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", cfg.APIAddr)
	}

	var workers []namedWorker
	start := func(name string, w worker.Worker, err error) error {
		if err != nil {
			return errors.Annotatef(err, "starting %s", name)
		}
		workers = append(workers, namedWorker{name: name, worker: w})
		return nil
	}

	relay, err := events.NewRelay(events.RelayConfig{Redis: redisClient, Hub: hub})
	if err := start("event relay", relay, err); err != nil {
		return stopAll(workers, err)
	}
	pool, err := scheduler.NewPool(scheduler.PoolConfig{
		Queues:       queues,
		Orchestrator: orch,
		State:        st,
		Catalog:      cat,
		Clock:        clock.WallClock,
		Workers:      cfg.WorkerCount,
		Metrics:      schedulerMetrics,
	})
	if err := start("consumer pool", pool, err); err != nil {
		return stopAll(workers, err)
	}
	reap, err := reaper.NewWorker(reaper.Config{
		Redis:    redisClient,
		Catalog:  cat,
		Clock:    clock.WallClock,
		Interval: reaper.DefaultInterval,
	})
	if err := start("lease reaper", reap, err); err != nil {
		return stopAll(workers, err)
	}
	san, err := sanity.NewWorker(sanity.Config{
		State:      st,
		Publisher:  publisher,
		Clock:      clock.WallClock,
		Interval:   cfg.SanityCheckInterval,
		StuckAfter: cfg.JobStuckAfter,
	})
	if err := start("sanity check", san, err); err != nil {
		return stopAll(workers, err)
	}
	prom, err := promoter.NewWorker(promoter.Config{
		State:       st,
		Queues:      queues,
		Publisher:   publisher,
		Clock:       clock.WallClock,
		Interval:    promoter.DefaultInterval,
		LowAfter:    cfg.PromoteLowToMediumAfter,
		MediumAfter: cfg.PromoteMediumToHighAfter,
	})
	if err := start("priority promoter", prom, err); err != nil {
		return stopAll(workers, err)
	}
	api, err := apiserver.NewServerWorker(apiserver.Config{
		Listener:      listener,
		State:         st,
		Queues:        queues,
		Catalog:       cat,
		Hub:           hub,
		Backend:       client,
		Priority:      apiserver.NewPriorityClient(cfg.PriorityAPIURL),
		PublicBaseURL: cfg.PublicBaseURL,
		Registry:      registry,
	})
	if err := start("api server", api, err); err != nil {
		return stopAll(workers, err)
	}

	logger.Infof("conductord up: %d queue consumers, API on %s", cfg.WorkerCount, cfg.APIAddr)
	return supervise(workers)
}

// supervise blocks until a signal arrives or any worker dies, then
// stops everything.
func supervise(workers []namedWorker) error {
	deaths := make(chan error, len(workers))
	for _, nw := range workers {
		nw := nw
		go func() {
			err := nw.worker.Wait()
			deaths <- errors.Annotatef(err, "%s worker", nw.name)
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var cause error
	received := 0
	select {
	case sig := <-signals:
		logger.Infof("caught %v, shutting down", sig)
	case err := <-deaths:
		received++
		cause = err
		if err != nil {
			logger.Errorf("worker died: %v", err)
		}
	}

	for _, nw := range workers {
		nw.worker.Kill()
	}
	timeout := time.After(stopTimeout)
	for received < len(workers) {
		select {
		case <-deaths:
			received++
		case <-timeout:
			return errors.New("timed out waiting for workers to stop")
		}
	}
	return cause
}

// stopAll tears down the workers started so far after a failed boot.
func stopAll(workers []namedWorker, cause error) error {
	for _, nw := range workers {
		nw.worker.Kill()
	}
	for _, nw := range workers {
		if err := nw.worker.Wait(); err != nil {
			logger.Errorf("stopping %s: %v", nw.name, err)
		}
	}
	return errors.Trace(cause)
}
