// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver is the HTTP boundary of the daemon: job creation
// and resume, health probes, metrics, and the websocket endpoint
// streaming per-job progress events to watchers.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/conductor/core/catalog"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/state"
)

var logger = loggo.GetLogger("conductor.apiserver")

// shutdownTimeout bounds the graceful drain on worker death.
const shutdownTimeout = 10 * time.Second

// State is the slice of the job store the API surface uses.
type State interface {
	Create(ctx context.Context, args state.CreateJobArgs) (*job.Job, error)
	Job(ctx context.Context, id string) (*job.Job, error)
	ClearFailure(ctx context.Context, id string) (job.Status, error)
	SetStatus(ctx context.Context, id string, status job.Status) error
}

// Queues schedules jobs onto the priority work queues.
type Queues interface {
	Enqueue(ctx context.Context, jobID string, priority job.Priority) error
}

// Backend probes the liveness of catalog services.
type Backend interface {
	Health(ctx context.Context, svc catalog.Service) error
}

// Hub is the in-process event hub websocket sessions subscribe to.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// PriorityLookup resolves a user's scheduling class.
type PriorityLookup interface {
	UserPriority(ctx context.Context, userID string) job.Priority
}

// Config holds everything the API server worker needs.
type Config struct {
	Listener net.Listener
	State    State
	Queues   Queues
	Catalog  *catalog.Catalog
	Hub      Hub
	Backend  Backend
	Priority PriorityLookup

	// PublicBaseURL prefixes the monitor URL handed back on creation.
	PublicBaseURL string

	// Registry, when set, is served on /metrics.
	Registry prometheus.Gatherer
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config Config) Validate() error {
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Queues == nil {
		return errors.NotValidf("nil Queues")
	}
	if config.Catalog == nil {
		return errors.NotValidf("nil Catalog")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Priority == nil {
		return errors.NotValidf("nil Priority")
	}
	if config.PublicBaseURL == "" {
		return errors.NotValidf("empty PublicBaseURL")
	}
	return nil
}

type serverWorker struct {
	catacomb catacomb.Catacomb
	config   Config
	server   *http.Server
}

// NewServerWorker starts the HTTP server on the configured listener
// and returns a worker that owns it.
func NewServerWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &serverWorker{config: config}
	w.server = &http.Server{Handler: w.router()}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *serverWorker) router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", w.createJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/resume", w.resumeJob).Methods("POST")
	api.HandleFunc("/health", w.health).Methods("GET")
	api.HandleFunc("/health/services", w.healthServices).Methods("GET")
	r.HandleFunc("/ws/{id}", w.watchJob).Methods("GET")
	if w.config.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(w.config.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (w *serverWorker) loop() error {
	serveErr := make(chan error, 1)
	go func() {
		err := w.server.Serve(w.config.Listener)
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Infof("serving on %s", w.config.Listener.Addr())
	select {
	case <-w.catacomb.Dying():
	case err := <-serveErr:
		return errors.Annotate(err, "serving API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := w.server.Shutdown(ctx); err != nil {
		logger.Warningf("shutting down API server: %v", err)
	}
	// Shutdown does not touch hijacked websocket connections.
	_ = w.server.Close()
	return w.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (w *serverWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *serverWorker) Wait() error {
	return w.catacomb.Wait()
}
