// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events defines the progress messages streamed to job
// watchers and the pub/sub channel naming they travel on.
package events

// Type identifies a progress event.
type Type string

const (
	Connected      Type = "WS_CONNECTED"
	WaitingForSlot Type = "WAITING_FOR_SLOT"
	StepStarted    Type = "STEP_STARTED"
	StepCompleted  Type = "STEP_COMPLETED"
	JobCompleted   Type = "JOB_COMPLETED"
	JobError       Type = "JOB_ERROR"
	JobPromoted    Type = "JOB_PROMOTED"
)

// Actions advertised with a JOB_ERROR event.
const (
	ActionRetryAvailable = "RETRY_AVAILABLE"
	ActionContactSupport = "CONTACT_SUPPORT"
)

// ActionForRetryable maps a failure's retryable flag to the client
// action advertised with the error event.
func ActionForRetryable(retryable bool) string {
	if retryable {
		return ActionRetryAvailable
	}
	return ActionContactSupport
}

// Channel returns the pub/sub channel carrying events for one job.
func Channel(jobID string) string {
	return "ws:" + jobID
}

// ChannelPattern matches every per-job event channel.
const ChannelPattern = "ws:*"

// Message is one progress event. Only the fields relevant to the
// event type are populated; the rest stay off the wire.
type Message struct {
	Type        Type   `json:"type"`
	JobID       string `json:"job_id"`
	StepName    string `json:"step_name,omitempty"`
	StepIndex   *int   `json:"step_index,omitempty"`
	TotalSteps  *int   `json:"total_steps,omitempty"`
	Message     string `json:"message,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Action      string `json:"action,omitempty"`
	OldPriority string `json:"old_priority,omitempty"`
	NewPriority string `json:"new_priority,omitempty"`
}

// NewConnected greets a watcher whose websocket just attached.
func NewConnected(jobID string) Message {
	return Message{Type: Connected, JobID: jobID}
}

// NewWaitingForSlot tells watchers the step is queued on the service
// limiter.
func NewWaitingForSlot(jobID, stepName string, stepIndex, totalSteps int, message string) Message {
	return stepMessage(WaitingForSlot, jobID, stepName, stepIndex, totalSteps, message)
}

// NewStepStarted tells watchers the step is executing.
func NewStepStarted(jobID, stepName string, stepIndex, totalSteps int, message string) Message {
	return stepMessage(StepStarted, jobID, stepName, stepIndex, totalSteps, message)
}

// NewStepCompleted tells watchers the step committed.
func NewStepCompleted(jobID, stepName string, stepIndex, totalSteps int, message string) Message {
	return stepMessage(StepCompleted, jobID, stepName, stepIndex, totalSteps, message)
}

// NewJobCompleted tells watchers the whole recipe is done.
func NewJobCompleted(jobID, message string) Message {
	return Message{Type: JobCompleted, JobID: jobID, Message: message}
}

// NewJobError tells watchers the job stopped on a failure and what
// they can do about it.
func NewJobError(jobID, errorCode, message string, retryable bool) Message {
	return Message{
		Type:      JobError,
		JobID:     jobID,
		ErrorCode: errorCode,
		Message:   message,
		Action:    ActionForRetryable(retryable),
	}
}

// NewJobPromoted tells watchers the job moved to a higher priority
// class.
func NewJobPromoted(jobID, oldPriority, newPriority, message string) Message {
	return Message{
		Type:        JobPromoted,
		JobID:       jobID,
		OldPriority: oldPriority,
		NewPriority: newPriority,
		Message:     message,
	}
}

func stepMessage(t Type, jobID, stepName string, stepIndex, totalSteps int, message string) Message {
	index, total := stepIndex, totalSteps
	return Message{
		Type:       t,
		JobID:      jobID,
		StepName:   stepName,
		StepIndex:  &index,
		TotalSteps: &total,
		Message:    message,
	}
}
