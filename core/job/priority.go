// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package job

import (
	"strings"

	"github.com/juju/errors"
)

// Priority is the scheduling class of a job. Workers drain the high
// queue before the medium queue before the low queue.
type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Priorities lists every class, most urgent first. The order matters:
// it is the order queue consumers scan in.
var Priorities = []Priority{High, Medium, Low}

// String is the priority as stored on the job row.
func (p Priority) String() string {
	return string(p)
}

// Validate returns an error satisfying errors.NotValid if the priority
// is not a known class.
func (p Priority) Validate() error {
	switch p {
	case High, Medium, Low:
		return nil
	}
	return errors.NotValidf("priority %q", p)
}

// QueueName returns the name of the work queue jobs of this priority
// are scheduled on.
func (p Priority) QueueName() string {
	return string(p) + "_priority"
}

// Promoted returns the next class up, or the same class if there is
// nothing higher.
func (p Priority) Promoted() Priority {
	switch p {
	case Low:
		return Medium
	case Medium:
		return High
	}
	return p
}

// ParsePriority returns the Priority named by raw, normalising case.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(raw))
	if err := p.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	return p, nil
}
