// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events moves job progress messages from the components that
// produce them to the websocket watchers that consume them. The
// publisher pushes JSON onto the per-job Redis channel; the relay
// worker subscribes to every such channel and republishes onto the
// in-process hub the websocket sessions listen on.
package events

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/redis/go-redis/v9"

	"github.com/canonical/conductor/core/events"
)

var logger = loggo.GetLogger("conductor.events")

// RedisPublisher is the slice of the Redis client the publisher uses.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher publishes progress events onto per-job Redis channels.
type Publisher struct {
	redis RedisPublisher
}

// NewPublisher returns a Publisher using the given Redis connection.
func NewPublisher(r RedisPublisher) (*Publisher, error) {
	if r == nil {
		return nil, errors.NotValidf("nil redis client")
	}
	return &Publisher{redis: r}, nil
}

// Publish sends the message to whoever is watching the job. Delivery
// is fire-and-forget: watchers that are not connected miss the event,
// and publish failures are logged rather than failing the step that
// produced them.
func (p *Publisher) Publish(ctx context.Context, message events.Message) {
	data, err := json.Marshal(message)
	if err != nil {
		logger.Errorf("encoding %s event for job %s: %v", message.Type, message.JobID, err)
		return
	}
	if err := p.redis.Publish(ctx, events.Channel(message.JobID), data).Err(); err != nil {
		logger.Errorf("publishing %s event for job %s: %v", message.Type, message.JobID, err)
	}
}
