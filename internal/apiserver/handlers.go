// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/state"
)

type createJobRequest struct {
	FeatureName string                 `json:"feature_name"`
	InputData   map[string]interface{} `json:"input_data"`
	UserID      string                 `json:"user_id"`
}

type createJobResponse struct {
	Success    bool   `json:"success"`
	JobID      string `json:"job_id"`
	Priority   string `json:"priority"`
	MonitorURL string `json:"monitor_url"`
	Status     string `json:"status"`
}

type resumeJobResponse struct {
	Success          bool   `json:"success"`
	JobID            string `json:"job_id"`
	PreviousStatus   string `json:"previous_status"`
	NewStatus        string `json:"new_status"`
	ResumingFromStep int    `json:"resuming_from_step"`
}

type healthServicesResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (w *serverWorker) createJob(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var body createJobRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := w.config.Catalog.Recipe(body.FeatureName); err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Sprintf("unknown feature %q", body.FeatureName))
		return
	}

	// Priority is advisory: a broken lookup must never block intake.
	priority := job.Medium
	if body.UserID != "" {
		priority = w.config.Priority.UserPriority(ctx, body.UserID)
	}

	created, err := w.config.State.Create(ctx, state.CreateJobArgs{
		ID:          utils.MustNewUUID().String(),
		FeatureName: body.FeatureName,
		Params:      body.InputData,
		Priority:    priority,
		UserID:      body.UserID,
	})
	if err != nil {
		logger.Errorf("creating job: %v", err)
		writeError(rw, http.StatusInternalServerError, "creating job")
		return
	}
	if err := w.config.Queues.Enqueue(ctx, created.ID, created.Priority); err != nil {
		logger.Errorf("enqueueing job %s: %v", created.ID, err)
		writeError(rw, http.StatusInternalServerError, "scheduling job")
		return
	}

	logger.Infof("job %s created for feature %s at %s priority", created.ID, created.FeatureName, created.Priority)
	writeJSON(rw, http.StatusCreated, createJobResponse{
		Success:    true,
		JobID:      created.ID,
		Priority:   created.Priority.String(),
		MonitorURL: w.config.PublicBaseURL + "/ws/" + created.ID,
		Status:     created.Status.String(),
	})
}

func (w *serverWorker) resumeJob(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := mux.Vars(req)["id"]

	j, err := w.config.State.Job(ctx, id)
	if errors.Is(err, errors.NotFound) {
		writeError(rw, http.StatusNotFound, fmt.Sprintf("job %q not found", id))
		return
	} else if err != nil {
		logger.Errorf("reading job %s: %v", id, err)
		writeError(rw, http.StatusInternalServerError, "reading job")
		return
	}
	recipe, err := w.config.Catalog.Recipe(j.FeatureName)
	if err != nil {
		logger.Errorf("resuming job %s: %v", id, err)
		writeError(rw, http.StatusInternalServerError, "resuming job")
		return
	}

	previous, err := w.config.State.ClearFailure(ctx, id)
	if err != nil {
		logger.Errorf("resuming job %s: %v", id, err)
		writeError(rw, http.StatusInternalServerError, "resuming job")
		return
	}

	// A failure on the final commit leaves nothing left to run; the
	// job is simply complete.
	newStatus := job.Running
	if j.CurrentStepIndex < len(recipe) {
		if err := w.config.Queues.Enqueue(ctx, id, j.Priority); err != nil {
			logger.Errorf("re-enqueueing job %s: %v", id, err)
			writeError(rw, http.StatusInternalServerError, "scheduling job")
			return
		}
	} else {
		newStatus = job.Completed
		if err := w.config.State.SetStatus(ctx, id, job.Completed); err != nil {
			logger.Errorf("completing job %s: %v", id, err)
			writeError(rw, http.StatusInternalServerError, "resuming job")
			return
		}
	}

	logger.Infof("job %s resumed from step %d (%s -> %s)", id, j.CurrentStepIndex, previous, newStatus)
	writeJSON(rw, http.StatusOK, resumeJobResponse{
		Success:          true,
		JobID:            id,
		PreviousStatus:   previous.String(),
		NewStatus:        newStatus.String(),
		ResumingFromStep: j.CurrentStepIndex,
	})
}

func (w *serverWorker) health(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *serverWorker) healthServices(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	services := w.config.Catalog.Services()

	results := make([]string, len(services))
	var wg sync.WaitGroup
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.config.Backend.Health(ctx, services[i]); err != nil {
				results[i] = "error: " + err.Error()
				return
			}
			results[i] = "ok"
		}(i)
	}
	wg.Wait()

	response := healthServicesResponse{
		Status:   "ok",
		Services: make(map[string]string, len(services)),
	}
	for i, svc := range services {
		response.Services[svc.Name] = results[i]
		if results[i] != "ok" {
			response.Status = "degraded"
		}
	}
	writeJSON(rw, http.StatusOK, response)
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

func writeError(rw http.ResponseWriter, status int, message string) {
	writeJSON(rw, status, errorResponse{Error: message})
}
