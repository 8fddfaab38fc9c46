// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"

	"github.com/canonical/conductor/core/catalog"
	coreevents "github.com/canonical/conductor/core/events"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/backend"
)

// stubState is an in-memory job store with error injection.
type stubState struct {
	stub *testing.Stub
	jobs map[string]*job.Job
}

func newStubState() *stubState {
	return &stubState{stub: &testing.Stub{}, jobs: make(map[string]*job.Job)}
}

func (s *stubState) add(j *job.Job) {
	s.jobs[j.ID] = j
}

func (s *stubState) Job(_ context.Context, id string) (*job.Job, error) {
	s.stub.AddCall("Job", id)
	if err := s.stub.NextErr(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFoundf("job %q", id)
	}
	copied := *j
	return &copied, nil
}

func (s *stubState) SetStatus(_ context.Context, id string, status job.Status) error {
	s.stub.AddCall("SetStatus", id, status)
	if err := s.stub.NextErr(); err != nil {
		return err
	}
	s.jobs[id].Status = status
	return nil
}

func (s *stubState) Fail(_ context.Context, id, code, message string, retryable bool) error {
	s.stub.AddCall("Fail", id, code, message, retryable)
	if err := s.stub.NextErr(); err != nil {
		return err
	}
	j := s.jobs[id]
	j.Status = job.Failed
	j.Failure = &job.Failure{Code: code, Message: message, Retryable: retryable}
	return nil
}

func (s *stubState) SaveStepResult(_ context.Context, id, stepKey string, result job.StepResult) error {
	s.stub.AddCall("SaveStepResult", id, stepKey, result)
	if err := s.stub.NextErr(); err != nil {
		return err
	}
	s.jobs[id].Context.SetResult(stepKey, result)
	return nil
}

func (s *stubState) SetStepAttempts(_ context.Context, id, stepKey string, attempts int) error {
	s.stub.AddCall("SetStepAttempts", id, stepKey, attempts)
	if err := s.stub.NextErr(); err != nil {
		return err
	}
	s.jobs[id].Context.SetAttempts(stepKey, attempts)
	return nil
}

func (s *stubState) AdvanceStepIndex(_ context.Context, id string) (int, error) {
	s.stub.AddCall("AdvanceStepIndex", id)
	if err := s.stub.NextErr(); err != nil {
		return 0, err
	}
	s.jobs[id].CurrentStepIndex++
	return s.jobs[id].CurrentStepIndex, nil
}

// brokenAdvanceState wraps stubState so the step index sticks, to
// exercise the loop guard.
type brokenAdvanceState struct {
	*stubState
}

func (s brokenAdvanceState) AdvanceStepIndex(_ context.Context, id string) (int, error) {
	s.stub.AddCall("AdvanceStepIndex", id)
	return s.jobs[id].CurrentStepIndex, nil
}

// stubLimiter grants a fixed token, or nothing.
type stubLimiter struct {
	stub  *testing.Stub
	token string
}

func (l *stubLimiter) Acquire(_ context.Context, service string, limit int, leaseTTL, waitTimeout time.Duration) (string, error) {
	l.stub.AddCall("Acquire", service, limit, leaseTTL, waitTimeout)
	if err := l.stub.NextErr(); err != nil {
		return "", err
	}
	return l.token, nil
}

func (l *stubLimiter) Release(_ context.Context, service, token string) error {
	l.stub.AddCall("Release", service, token)
	return l.stub.NextErr()
}

// stubBackend answers calls with a scripted result, optionally
// advancing the test clock to simulate execution time.
type stubBackend struct {
	stub    *testing.Stub
	clock   *testclock.Clock
	advance time.Duration
	result  *backend.Result
}

func (b *stubBackend) Call(_ context.Context, svc catalog.Service, envelope backend.Envelope) (*backend.Result, error) {
	b.stub.AddCall("Call", svc.Name, envelope)
	if b.advance > 0 {
		b.clock.Advance(b.advance)
	}
	if err := b.stub.NextErr(); err != nil {
		return nil, err
	}
	return b.result, nil
}

// recordingPublisher captures every event published.
type recordingPublisher struct {
	messages []coreevents.Message
}

func (p *recordingPublisher) Publish(_ context.Context, message coreevents.Message) {
	p.messages = append(p.messages, message)
}

func (p *recordingPublisher) types() []coreevents.Type {
	types := make([]coreevents.Type, len(p.messages))
	for i, m := range p.messages {
		types[i] = m.Type
	}
	return types
}
