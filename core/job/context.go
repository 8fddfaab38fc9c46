// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ResultSuccess is the status recorded against a step result once the
// backend call has committed.
const ResultSuccess = "SUCCESS"

const (
	paramsKey      = "params"
	attemptsSuffix = "__attempts"
)

// StepKey names the context entry a step writes its result under.
func StepKey(index int, service string) string {
	return fmt.Sprintf("step_%d_%s", index, service)
}

// StepResult is the payload recorded for a committed step.
type StepResult struct {
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data"`
	Metrics   map[string]interface{} `json:"metrics"`
	Timestamp int64                  `json:"timestamp"`
}

// Succeeded reports whether the result was committed as a success.
func (r StepResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Context is the per-job scratch space threaded through a pipeline.
// It marshals to the flat JSON object stored on the job row and sent
// to backends: the caller input under "params", one
// "step_{i}_{service}" object per committed step, and one
// "step_{i}_{service}__attempts" counter per attempted step.
type Context struct {
	// Params is the caller-supplied input. The orchestrator reads it
	// but never writes it.
	Params map[string]interface{}

	// Steps holds committed step results keyed by StepKey.
	Steps map[string]StepResult

	// Attempts counts executions tried per step key, including
	// attempts that failed.
	Attempts map[string]int
}

// NewContext returns a Context carrying the given caller input.
func NewContext(params map[string]interface{}) Context {
	if params == nil {
		params = map[string]interface{}{}
	}
	return Context{Params: params}
}

// Result returns the recorded result for the step key, if any.
func (c Context) Result(stepKey string) (StepResult, bool) {
	result, ok := c.Steps[stepKey]
	return result, ok
}

// SetResult records the result for the step key.
func (c *Context) SetResult(stepKey string, result StepResult) {
	if c.Steps == nil {
		c.Steps = make(map[string]StepResult)
	}
	c.Steps[stepKey] = result
}

// AttemptCount returns the attempts recorded against the step key,
// zero if the step has never been tried.
func (c Context) AttemptCount(stepKey string) int {
	return c.Attempts[stepKey]
}

// SetAttempts records the attempt counter for the step key.
func (c *Context) SetAttempts(stepKey string, attempts int) {
	if c.Attempts == nil {
		c.Attempts = make(map[string]int)
	}
	c.Attempts[stepKey] = attempts
}

// MarshalJSON implements json.Marshaler, flattening the context into
// the wire object described above. Params is always present, so a
// freshly created job round-trips as {"params": {...}}.
func (c Context) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(c.Steps)+len(c.Attempts)+1)
	params := c.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	flat[paramsKey] = params
	for key, result := range c.Steps {
		flat[key] = result
	}
	for key, attempts := range c.Attempts {
		flat[key+attemptsSuffix] = attempts
	}
	return json.Marshal(flat)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Context) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return errors.Trace(err)
	}
	*c = Context{}
	for key, raw := range flat {
		switch {
		case key == paramsKey:
			if err := json.Unmarshal(raw, &c.Params); err != nil {
				return errors.Annotatef(err, "unmarshalling %q", key)
			}
		case strings.HasSuffix(key, attemptsSuffix):
			var attempts int
			if err := json.Unmarshal(raw, &attempts); err != nil {
				return errors.Annotatef(err, "unmarshalling %q", key)
			}
			c.SetAttempts(strings.TrimSuffix(key, attemptsSuffix), attempts)
		default:
			var result StepResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return errors.Annotatef(err, "unmarshalling %q", key)
			}
			c.SetResult(key, result)
		}
	}
	return nil
}
