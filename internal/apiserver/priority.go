// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/httprequest.v1"

	"github.com/canonical/conductor/core/job"
)

// priorityLookupTimeout bounds one lookup call. The lookup sits on
// the job creation path, so it stays short.
const priorityLookupTimeout = 2 * time.Second

// PriorityClient resolves a user's scheduling class from the external
// priority service. Lookups are best effort: any failure answers
// medium, never an error, so a broken priority service cannot block
// job intake.
type PriorityClient struct {
	baseURL string
	client  *http.Client
}

// NewPriorityClient returns a lookup client against the service at
// baseURL.
func NewPriorityClient(baseURL string) *PriorityClient {
	return &PriorityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// UserPriority implements PriorityLookup.
func (c *PriorityClient) UserPriority(ctx context.Context, userID string) job.Priority {
	ctx, cancel := context.WithTimeout(ctx, priorityLookupTimeout)
	defer cancel()

	lookupURL := fmt.Sprintf("%s/users/%s/priority", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, "GET", lookupURL, nil)
	if err != nil {
		logger.Debugf("priority lookup for user %s: %v", userID, err)
		return job.Medium
	}
	resp, err := c.client.Do(req)
	if err != nil {
		logger.Debugf("priority lookup for user %s: %v", userID, err)
		return job.Medium
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Debugf("priority lookup for user %s: status %d", userID, resp.StatusCode)
		return job.Medium
	}

	var body struct {
		Priority string `json:"priority"`
	}
	if err := httprequest.UnmarshalJSONResponse(resp, &body); err != nil {
		logger.Debugf("priority lookup for user %s: %v", userID, err)
		return job.Medium
	}
	priority, err := job.ParsePriority(body.Priority)
	if err != nil {
		logger.Debugf("priority lookup for user %s: %v", userID, err)
		return job.Medium
	}
	return priority
}
