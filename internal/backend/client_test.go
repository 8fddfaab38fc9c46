// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/conductor/core/catalog"
	"github.com/canonical/conductor/core/fault"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/backend"
)

type clientSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) newClient(c *gc.C) *backend.Client {
	client, err := backend.NewClient(3*time.Second, 30*time.Second)
	c.Assert(err, jc.ErrorIsNil)
	return client
}

func (s *clientSuite) service(url string) catalog.Service {
	return catalog.Service{
		Name:            "prompt_enhancer",
		Limit:           5,
		Timeout:         30 * time.Second,
		LeaseTTL:        time.Minute,
		MaxStepAttempts: 3,
		BaseURL:         url,
		ExecutePath:     "/v1/execute",
		HealthPath:      "/health",
		Auth: catalog.Auth{
			Mode:   catalog.AuthAPIKeyHeader,
			Header: "X-Internal-Key",
			Key:    "sekrit",
		},
	}
}

func (s *clientSuite) envelope() backend.Envelope {
	return backend.Envelope{
		Meta: backend.Meta{
			JobID:       "job-0",
			StepIndex:   1,
			ServiceName: "prompt_enhancer",
			Attempt:     1,
			Timestamp:   1_700_000_000,
		},
		Payload: backend.Payload{
			Params:  map[string]interface{}{"prompt": "fox"},
			Context: job.NewContext(map[string]interface{}{"prompt": "fox"}),
		},
	}
}

func (s *clientSuite) TestCallSuccess(c *gc.C) {
	var gotIdempotency, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("X-Internal-Key")
		gotContentType = r.Header.Get("Content-Type")
		c.Check(r.Method, gc.Equals, "POST")
		c.Check(r.URL.Path, gc.Equals, "/v1/execute")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "SUCCESS", "data": {"x": 1}, "metrics": {"tokens": 7}}`))
	}))
	defer srv.Close()

	result, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Data, jc.DeepEquals, map[string]interface{}{"x": 1.0})
	c.Check(result.Metrics, jc.DeepEquals, map[string]interface{}{"tokens": 7.0})
	c.Check(gotIdempotency, gc.Equals, "job-0:1:prompt_enhancer")
	c.Check(gotAuth, gc.Equals, "sekrit")
	c.Check(gotContentType, gc.Equals, "application/json")
}

func (s *clientSuite) TestCallSuccessWithoutMetrics(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "SUCCESS", "data": {}}`))
	}))
	defer srv.Close()

	result, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metrics, jc.DeepEquals, map[string]interface{}{})
}

func (s *clientSuite) TestCallUnreachable(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.ServiceUnreachable)
	c.Check(stepErr.Retryable, jc.IsTrue)
}

func (s *clientSuite) TestCallBusyOverridesBody(c *gc.C) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"status": "FAILED", "error": {"code": "SOMETHING", "message": "m", "retryable": false}}`))
		}))

		_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
		srv.Close()
		stepErr, ok := fault.AsStepError(err)
		c.Assert(ok, jc.IsTrue, gc.Commentf("HTTP %d", status))
		c.Check(stepErr.Code, gc.Equals, fault.ResourceExhausted)
		c.Check(stepErr.Retryable, jc.IsTrue)
	}
}

func (s *clientSuite) TestCallServerErrorWithBody(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status": "FAILED", "error": {"code": "MODEL_CRASHED", "message": "boom", "retryable": true}}`))
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.Code("MODEL_CRASHED"))
	c.Check(stepErr.Message, gc.Equals, "boom")
	c.Check(stepErr.Retryable, jc.IsTrue)
}

func (s *clientSuite) TestCallServerErrorWithoutBody(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.ServiceHTTPError)
	c.Check(stepErr.Retryable, jc.IsTrue)
}

func (s *clientSuite) TestCallClientErrorNotRetryable(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.ServiceHTTPError)
	c.Check(stepErr.Retryable, jc.IsFalse)
}

func (s *clientSuite) TestCallFailureBody(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "FAILED", "error": {"code": "PROMPT_REJECTED", "message": "nope", "retryable": false}}`))
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.Code("PROMPT_REJECTED"))
	c.Check(stepErr.Message, gc.Equals, "nope")
	c.Check(stepErr.Retryable, jc.IsFalse)
}

func (s *clientSuite) TestCallFailureBodyDefaults(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "FAILED"}`))
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.ServiceFailed)
	c.Check(stepErr.Retryable, jc.IsTrue)
}

func (s *clientSuite) TestCallNonJSONBody(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.BadResponse)
	c.Check(stepErr.Retryable, jc.IsTrue)
}

func (s *clientSuite) TestCallMissingData(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "SUCCESS"}`))
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.BadResponse)
}

func (s *clientSuite) TestCallNonObjectData(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "SUCCESS", "data": [1, 2]}`))
	}))
	defer srv.Close()

	_, err := s.newClient(c).Call(context.Background(), s.service(srv.URL), s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.BadResponse)
}

func (s *clientSuite) TestCallTimeout(c *gc.C) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	svc := s.service(srv.URL)
	svc.Timeout = 50 * time.Millisecond

	_, err := s.newClient(c).Call(context.Background(), svc, s.envelope())
	stepErr, ok := fault.AsStepError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(stepErr.Code, gc.Equals, fault.ServiceTimeout)
	c.Check(stepErr.Retryable, jc.IsTrue)
}

func (s *clientSuite) TestHealth(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, gc.Equals, "/health")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c.Assert(s.newClient(c).Health(context.Background(), s.service(srv.URL)), jc.ErrorIsNil)
}

func (s *clientSuite) TestHealthDown(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := s.newClient(c).Health(context.Background(), s.service(srv.URL))
	c.Assert(err, gc.ErrorMatches, `service "prompt_enhancer" returned HTTP 503`)
}
