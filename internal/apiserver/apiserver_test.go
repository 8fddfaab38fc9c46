// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/canonical/conductor/core/catalog"
	"github.com/canonical/conductor/core/events"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/apiserver"
	"github.com/canonical/conductor/internal/state"
)

type apiserverSuite struct {
	testing.IsolationSuite

	state    *stubState
	queues   *stubQueues
	backend  *stubBackend
	priority *stubPriority
	hub      *pubsub.SimpleHub
	catalog  *catalog.Catalog

	baseURL string
}

var _ = gc.Suite(&apiserverSuite{})

func (s *apiserverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.state = &stubState{jobs: make(map[string]*job.Job)}
	s.queues = &stubQueues{}
	s.backend = &stubBackend{healthy: true}
	s.priority = &stubPriority{priority: job.Medium}
	s.hub = pubsub.NewSimpleHub(nil)

	var err error
	s.catalog, err = catalog.New([]catalog.Service{{
		Name:            "alpha",
		Limit:           1,
		Timeout:         30 * time.Second,
		LeaseTTL:        time.Minute,
		MaxStepAttempts: 2,
		BaseURL:         "http://alpha:9000",
		ExecutePath:     "/v1/execute",
	}, {
		Name:            "beta",
		Limit:           1,
		Timeout:         30 * time.Second,
		LeaseTTL:        time.Minute,
		MaxStepAttempts: 2,
		BaseURL:         "http://beta:9000",
		ExecutePath:     "/v1/execute",
	}}, map[string][]string{"two_step": {"alpha", "beta"}})
	c.Assert(err, jc.ErrorIsNil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	s.baseURL = "http://" + listener.Addr().String()

	w, err := apiserver.NewServerWorker(apiserver.Config{
		Listener:      listener,
		State:         s.state,
		Queues:        s.queues,
		Catalog:       s.catalog,
		Hub:           s.hub,
		Backend:       s.backend,
		Priority:      s.priority,
		PublicBaseURL: "ws://public.example.com",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
}

func (s *apiserverSuite) TestValidate(c *gc.C) {
	_, err := apiserver.NewServerWorker(apiserver.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *apiserverSuite) TestCreateJob(c *gc.C) {
	s.priority.priority = job.High

	status, body := s.post(c, "/api/v1/jobs", map[string]interface{}{
		"feature_name": "two_step",
		"input_data":   map[string]interface{}{"prompt": "a red cube"},
		"user_id":      "user-7",
	})
	c.Assert(status, gc.Equals, http.StatusCreated)

	c.Check(body["success"], gc.Equals, true)
	c.Check(body["priority"], gc.Equals, "high")
	c.Check(body["status"], gc.Equals, "PENDING")
	jobID, ok := body["job_id"].(string)
	c.Assert(ok, jc.IsTrue)
	c.Check(jobID, gc.Not(gc.Equals), "")
	c.Check(body["monitor_url"], gc.Equals, "ws://public.example.com/ws/"+jobID)

	s.state.CheckCallNames(c, "Create")
	created := s.state.Calls()[0].Args[0].(state.CreateJobArgs)
	c.Check(created.FeatureName, gc.Equals, "two_step")
	c.Check(created.Priority, gc.Equals, job.High)
	c.Check(created.UserID, gc.Equals, "user-7")
	c.Check(created.Params, jc.DeepEquals, map[string]interface{}{"prompt": "a red cube"})

	s.queues.CheckCallNames(c, "Enqueue")
	s.queues.CheckCall(c, 0, "Enqueue", jobID, job.High)
}

func (s *apiserverSuite) TestCreateJobAnonymousUserIsMedium(c *gc.C) {
	s.priority.priority = job.High

	status, body := s.post(c, "/api/v1/jobs", map[string]interface{}{
		"feature_name": "two_step",
	})
	c.Assert(status, gc.Equals, http.StatusCreated)
	c.Check(body["priority"], gc.Equals, "medium")
	c.Check(s.priority.lookups, gc.Equals, 0)
}

func (s *apiserverSuite) TestCreateJobUnknownFeature(c *gc.C) {
	status, body := s.post(c, "/api/v1/jobs", map[string]interface{}{
		"feature_name": "teleport",
	})
	c.Assert(status, gc.Equals, http.StatusBadRequest)
	c.Check(body["success"], gc.Equals, false)
	c.Check(body["error"], gc.Equals, `unknown feature "teleport"`)
	s.state.CheckCallNames(c)
}

func (s *apiserverSuite) TestCreateJobBadBody(c *gc.C) {
	resp, err := http.Post(s.baseURL+"/api/v1/jobs", "application/json",
		bytes.NewBufferString("{not json"))
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusBadRequest)
}

func (s *apiserverSuite) TestResumeJob(c *gc.C) {
	s.state.jobs["job-1"] = &job.Job{
		ID:               "job-1",
		FeatureName:      "two_step",
		Status:           job.Failed,
		CurrentStepIndex: 1,
		Priority:         job.Low,
	}

	status, body := s.post(c, "/api/v1/jobs/job-1/resume", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Check(body["success"], gc.Equals, true)
	c.Check(body["job_id"], gc.Equals, "job-1")
	c.Check(body["previous_status"], gc.Equals, "FAILED")
	c.Check(body["new_status"], gc.Equals, "RUNNING")
	c.Check(body["resuming_from_step"], gc.Equals, float64(1))

	s.state.CheckCallNames(c, "Job", "ClearFailure")
	s.queues.CheckCallNames(c, "Enqueue")
	s.queues.CheckCall(c, 0, "Enqueue", "job-1", job.Low)
}

func (s *apiserverSuite) TestResumeJobAllStepsCommitted(c *gc.C) {
	s.state.jobs["job-1"] = &job.Job{
		ID:               "job-1",
		FeatureName:      "two_step",
		Status:           job.Failed,
		CurrentStepIndex: 2,
		Priority:         job.Medium,
	}

	status, body := s.post(c, "/api/v1/jobs/job-1/resume", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Check(body["new_status"], gc.Equals, "COMPLETED")

	s.state.CheckCallNames(c, "Job", "ClearFailure", "SetStatus")
	s.state.CheckCall(c, 2, "SetStatus", "job-1", job.Completed)
	s.queues.CheckCallNames(c)
}

func (s *apiserverSuite) TestResumeJobNotFound(c *gc.C) {
	status, body := s.post(c, "/api/v1/jobs/nope/resume", nil)
	c.Assert(status, gc.Equals, http.StatusNotFound)
	c.Check(body["success"], gc.Equals, false)
}

func (s *apiserverSuite) TestHealth(c *gc.C) {
	status, body := s.get(c, "/api/v1/health")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, "ok")
}

func (s *apiserverSuite) TestHealthServices(c *gc.C) {
	status, body := s.get(c, "/api/v1/health/services")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, "ok")
	c.Check(body["services"], jc.DeepEquals, map[string]interface{}{
		"alpha": "ok",
		"beta":  "ok",
	})
}

func (s *apiserverSuite) TestHealthServicesDegraded(c *gc.C) {
	s.backend.healthy = false

	status, body := s.get(c, "/api/v1/health/services")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, "degraded")
	c.Check(body["services"], jc.DeepEquals, map[string]interface{}{
		"alpha": "error: no route",
		"beta":  "error: no route",
	})
}

func (s *apiserverSuite) TestWebsocketStreamsEvents(c *gc.C) {
	wsURL := "ws" + s.baseURL[len("http"):] + "/ws/job-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	c.Assert(err, jc.ErrorIsNil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var greeting events.Message
	c.Assert(conn.ReadJSON(&greeting), jc.ErrorIsNil)
	c.Check(greeting.Type, gc.Equals, events.Connected)
	c.Check(greeting.JobID, gc.Equals, "job-1")

	// The session subscribes before the greeting is readable, so this
	// publish cannot race the subscription.
	payload, err := json.Marshal(events.NewJobCompleted("job-1", "Job completed"))
	c.Assert(err, jc.ErrorIsNil)
	s.hub.Publish(events.Channel("job-1"), payload)

	var message events.Message
	c.Assert(conn.ReadJSON(&message), jc.ErrorIsNil)
	c.Check(message.Type, gc.Equals, events.JobCompleted)
	c.Check(message.Message, gc.Equals, "Job completed")
}

func (s *apiserverSuite) post(c *gc.C, path string, body interface{}) (int, map[string]interface{}) {
	data, err := json.Marshal(body)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.Post(s.baseURL+path, "application/json", bytes.NewBuffer(data))
	c.Assert(err, jc.ErrorIsNil)
	return s.decode(c, resp)
}

func (s *apiserverSuite) get(c *gc.C, path string) (int, map[string]interface{}) {
	resp, err := http.Get(s.baseURL + path)
	c.Assert(err, jc.ErrorIsNil)
	return s.decode(c, resp)
}

func (s *apiserverSuite) decode(c *gc.C, resp *http.Response) (int, map[string]interface{}) {
	defer resp.Body.Close()
	var body map[string]interface{}
	c.Assert(json.NewDecoder(resp.Body).Decode(&body), jc.ErrorIsNil)
	return resp.StatusCode, body
}

type stubState struct {
	testing.Stub

	jobs map[string]*job.Job
}

func (s *stubState) Create(_ context.Context, args state.CreateJobArgs) (*job.Job, error) {
	s.AddCall("Create", args)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	j := &job.Job{
		ID:               args.ID,
		FeatureName:      args.FeatureName,
		Status:           job.Pending,
		Priority:         args.Priority,
		OriginalPriority: args.Priority,
		UserID:           args.UserID,
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *stubState) Job(_ context.Context, id string) (*job.Job, error) {
	s.AddCall("Job", id)
	if err := s.NextErr(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFoundf("job %q", id)
	}
	copied := *j
	return &copied, nil
}

func (s *stubState) ClearFailure(_ context.Context, id string) (job.Status, error) {
	s.AddCall("ClearFailure", id)
	if err := s.NextErr(); err != nil {
		return "", err
	}
	j, ok := s.jobs[id]
	if !ok {
		return "", errors.NotFoundf("job %q", id)
	}
	previous := j.Status
	j.Status = job.Running
	j.Failure = nil
	return previous, nil
}

func (s *stubState) SetStatus(_ context.Context, id string, status job.Status) error {
	s.AddCall("SetStatus", id, status)
	if err := s.NextErr(); err != nil {
		return err
	}
	s.jobs[id].Status = status
	return nil
}

type stubQueues struct {
	testing.Stub
}

func (q *stubQueues) Enqueue(_ context.Context, jobID string, priority job.Priority) error {
	q.AddCall("Enqueue", jobID, priority)
	return q.NextErr()
}

type stubBackend struct {
	healthy bool
}

func (b *stubBackend) Health(context.Context, catalog.Service) error {
	if !b.healthy {
		return fmt.Errorf("no route")
	}
	return nil
}

type stubPriority struct {
	priority job.Priority
	lookups  int
}

func (p *stubPriority) UserPriority(context.Context, string) job.Priority {
	p.lookups++
	return p.priority
}
