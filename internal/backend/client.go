// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backend calls the remote workers that execute pipeline
// steps, and classifies everything that can go wrong with such a
// call into the step error taxonomy.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/httprequest.v1"

	"github.com/canonical/conductor/core/catalog"
	"github.com/canonical/conductor/core/fault"
)

var logger = loggo.GetLogger("conductor.backend")

// healthTimeout bounds one liveness probe.
const healthTimeout = 2 * time.Second

// Result is the usable part of a successful execute response.
type Result struct {
	Data    map[string]interface{}
	Metrics map[string]interface{}
}

// Client issues execute calls to backend services.
type Client struct {
	httpClient     *http.Client
	maxReadTimeout time.Duration
}

// NewClient returns a Client dialling within connectTimeout and
// capping every execute call at maxReadTimeout, whatever the
// per-service timeout says.
func NewClient(connectTimeout, maxReadTimeout time.Duration) (*Client, error) {
	if connectTimeout <= 0 {
		return nil, errors.NotValidf("connect timeout %v", connectTimeout)
	}
	if maxReadTimeout <= 0 {
		return nil, errors.NotValidf("read timeout %v", maxReadTimeout)
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
		maxReadTimeout: maxReadTimeout,
	}, nil
}

// Call POSTs the envelope to the service's execute endpoint and
// returns the result, a *fault.StepError classifying a business
// failure, or an ordinary error for faults of the call machinery
// itself (which there are none of in practice: every way the HTTP
// exchange fails has a classification).
func (c *Client) Call(ctx context.Context, svc catalog.Service, envelope Envelope) (*Result, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Annotate(err, "encoding envelope")
	}

	timeout := svc.Timeout
	if c.maxReadTimeout < timeout {
		timeout = c.maxReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.ExecuteURL(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", envelope.IdempotencyKey())
	setAuthHeader(req, svc.Auth)

	logger.Debugf("calling %s step %d of job %s", svc.Name, envelope.Meta.StepIndex, envelope.Meta.JobID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fault.NewStepError(fault.ServiceTimeout,
				fmt.Sprintf("%s did not answer within %v", svc.Name, timeout), true)
		}
		return nil, fault.NewStepError(fault.ServiceUnreachable,
			fmt.Sprintf("%s unreachable: %v", svc.Name, err), true)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPError(svc, resp)
	}

	var out executeResponse
	if err := httprequest.UnmarshalJSONResponse(resp, &out); err != nil {
		return nil, fault.NewStepError(fault.BadResponse,
			fmt.Sprintf("%s returned non-JSON body", svc.Name), true)
	}

	if out.Status != "SUCCESS" {
		stepErr := out.Error.toStepError(
			fault.ServiceFailed, fmt.Sprintf("%s failed", svc.Name), true)
		return nil, stepErr
	}

	data, ok := decodeObject(out.Data)
	if !ok {
		return nil, fault.NewStepError(fault.BadResponse,
			fmt.Sprintf("%s returned no data object", svc.Name), true)
	}
	metrics := map[string]interface{}{}
	if len(out.Metrics) > 0 {
		if metrics, ok = decodeObject(out.Metrics); !ok {
			return nil, fault.NewStepError(fault.BadResponse,
				fmt.Sprintf("%s returned non-object metrics", svc.Name), true)
		}
	}
	return &Result{Data: data, Metrics: metrics}, nil
}

// Health probes the service's liveness endpoint.
func (c *Client) Health(ctx context.Context, svc catalog.Service) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthURL(), nil)
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Annotatef(err, "probing %q", svc.Name)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("service %q returned HTTP %d", svc.Name, resp.StatusCode)
	}
	return nil
}

// executeResponse is the wire shape of an execute reply, success or
// failure.
type executeResponse struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Metrics json.RawMessage `json:"metrics"`
	Error   *errorBody      `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable"`
}

// toStepError builds a StepError from a reported failure body,
// filling gaps with the given defaults. A nil body takes every
// default.
func (e *errorBody) toStepError(code fault.Code, message string, retryable bool) *fault.StepError {
	if e != nil {
		if e.Code != "" {
			code = fault.Code(e.Code)
		}
		if e.Message != "" {
			message = e.Message
		}
		if e.Retryable != nil {
			retryable = *e.Retryable
		}
	}
	return fault.NewStepError(code, message, retryable)
}

// classifyHTTPError maps a non-2xx reply. 429 and 503 always mean
// the service is saturated, whatever the body says.
func classifyHTTPError(svc catalog.Service, resp *http.Response) *fault.StepError {
	var body executeResponse
	var reported *errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Status == "FAILED" && body.Error != nil {
			reported = body.Error
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return fault.NewStepError(fault.ResourceExhausted,
			fmt.Sprintf("%s returned HTTP %d", svc.Name, resp.StatusCode), true)
	}

	return reported.toStepError(fault.ServiceHTTPError,
		fmt.Sprintf("%s returned HTTP %d", svc.Name, resp.StatusCode),
		resp.StatusCode >= 500)
}

func setAuthHeader(req *http.Request, auth catalog.Auth) {
	if auth.Key == "" {
		return
	}
	switch auth.Mode {
	case catalog.AuthAPIKeyHeader:
		header := auth.Header
		if header == "" {
			header = "X-Internal-Key"
		}
		req.Header.Set(header, auth.Key)
	case catalog.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Key)
	}
}

// decodeObject unmarshals raw as a JSON object, reporting false for
// anything else, null and absence included.
func decodeObject(raw json.RawMessage) (map[string]interface{}, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return nil, false
	}
	return decoded, true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
