// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package promoter_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/canonical/conductor/core/events"
	"github.com/canonical/conductor/core/job"
	"github.com/canonical/conductor/internal/worker/promoter"
)

const longWait = 10 * time.Second

type promoterSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	state     *stubState
	queues    *stubQueues
	publisher *recordingPublisher
}

var _ = gc.Suite(&promoterSuite{})

func (s *promoterSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Unix(1_700_000_000, 0))
	s.state = &stubState{}
	s.queues = &stubQueues{}
	s.publisher = &recordingPublisher{}
}

func (s *promoterSuite) newWorker(c *gc.C) worker.Worker {
	w, err := promoter.NewWorker(promoter.Config{
		State:       s.state,
		Queues:      s.queues,
		Publisher:   s.publisher,
		Clock:       s.clock,
		Interval:    promoter.DefaultInterval,
		LowAfter:    30 * time.Minute,
		MediumAfter: time.Hour,
	})
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *promoterSuite) TestValidate(c *gc.C) {
	_, err := promoter.NewWorker(promoter.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *promoterSuite) TestNoCandidates(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c)

	s.state.CheckCallNames(c, "PromotionCandidates")
	s.queues.CheckCallNames(c)
	c.Check(s.publisher.messages(), gc.HasLen, 0)
}

func (s *promoterSuite) TestPromotesPendingAndReenqueues(c *gc.C) {
	s.state.candidates = []*job.Job{
		{ID: "job-low", Status: job.Pending, Priority: job.Low},
	}
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c)

	s.state.CheckCallNames(c, "PromotionCandidates", "Promote")
	s.state.CheckCall(c, 1, "Promote", "job-low", job.Medium)
	s.queues.CheckCallNames(c, "Enqueue")
	s.queues.CheckCall(c, 0, "Enqueue", "job-low", job.Medium)

	messages := s.publisher.messages()
	c.Assert(messages, gc.HasLen, 1)
	c.Check(messages[0], jc.DeepEquals, events.Message{
		Type:        events.JobPromoted,
		JobID:       "job-low",
		OldPriority: "low",
		NewPriority: "medium",
		Message:     "Job promoted from low to medium due to wait time",
	})
}

func (s *promoterSuite) TestRunningJobNotReenqueued(c *gc.C) {
	s.state.candidates = []*job.Job{
		{ID: "job-med", Status: job.Running, Priority: job.Medium},
	}
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c)

	s.state.CheckCallNames(c, "PromotionCandidates", "Promote")
	s.state.CheckCall(c, 1, "Promote", "job-med", job.High)
	s.queues.CheckCallNames(c)
	c.Check(s.publisher.messages(), gc.HasLen, 1)
}

func (s *promoterSuite) TestHighCandidateSkipped(c *gc.C) {
	s.state.candidates = []*job.Job{
		{ID: "job-high", Status: job.Pending, Priority: job.High},
	}
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c)

	s.state.CheckCallNames(c, "PromotionCandidates")
	s.queues.CheckCallNames(c)
	c.Check(s.publisher.messages(), gc.HasLen, 0)
}

func (s *promoterSuite) TestPromoteErrorSkipsRest(c *gc.C) {
	s.state.candidates = []*job.Job{
		{ID: "job-low", Status: job.Pending, Priority: job.Low},
	}
	s.state.SetErrors(nil, errors.New("splat"))
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.tick(c)

	s.state.CheckCallNames(c, "PromotionCandidates", "Promote")
	s.queues.CheckCallNames(c)
	c.Check(s.publisher.messages(), gc.HasLen, 0)
}

func (s *promoterSuite) TestListErrorIsFatal(c *gc.C) {
	s.state.SetErrors(errors.New("splat"))
	w := s.newWorker(c)

	c.Assert(s.clock.WaitAdvance(promoter.DefaultInterval, longWait, 1), jc.ErrorIsNil)
	err := workertest.CheckKilled(c, w)
	c.Check(err, gc.ErrorMatches, "listing promotion candidates: splat")
}

// tick fires the promotion timer and waits for the pass to finish,
// which is signalled by the timer rearming.
func (s *promoterSuite) tick(c *gc.C) {
	c.Assert(s.clock.WaitAdvance(promoter.DefaultInterval, longWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(0, longWait, 1), jc.ErrorIsNil)
}

type stubState struct {
	testing.Stub

	candidates []*job.Job
}

func (s *stubState) PromotionCandidates(_ context.Context, lowAfter, mediumAfter time.Duration) ([]*job.Job, error) {
	s.AddCall("PromotionCandidates", lowAfter, mediumAfter)
	return s.candidates, s.NextErr()
}

func (s *stubState) Promote(_ context.Context, id string, to job.Priority) error {
	s.AddCall("Promote", id, to)
	return s.NextErr()
}

type stubQueues struct {
	testing.Stub
}

func (q *stubQueues) Enqueue(_ context.Context, jobID string, priority job.Priority) error {
	q.AddCall("Enqueue", jobID, priority)
	return q.NextErr()
}

type recordingPublisher struct {
	mu       sync.Mutex
	recorded []events.Message
}

func (p *recordingPublisher) Publish(_ context.Context, message events.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, message)
}

func (p *recordingPublisher) messages() []events.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Message(nil), p.recorded...)
}
