// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package events

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/redis/go-redis/v9"

	"github.com/canonical/conductor/core/events"
)

// Hub is the in-process side of the relay: the websocket sessions
// subscribe to it by channel name.
type Hub interface {
	Publish(topic string, data interface{}) func()
}

// RedisSubscriber is the slice of the Redis client the relay uses.
type RedisSubscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// RelayConfig holds everything the relay worker needs.
type RelayConfig struct {
	Redis RedisSubscriber
	Hub   Hub
}

// Validate returns an error satisfying errors.NotValid if the
// configuration is incomplete.
func (config RelayConfig) Validate() error {
	if config.Redis == nil {
		return errors.NotValidf("nil Redis")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// relayWorker pumps every per-job event channel into the hub.
type relayWorker struct {
	catacomb catacomb.Catacomb
	config   RelayConfig
}

// NewRelay starts a relay worker.
func NewRelay(config RelayConfig) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &relayWorker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *relayWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	sub := w.config.Redis.PSubscribe(ctx, events.ChannelPattern)
	defer func() { _ = sub.Close() }()

	messages := sub.Channel()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case msg, ok := <-messages:
			if !ok {
				return errors.New("event subscription closed")
			}
			logger.Tracef("relaying event on %q", msg.Channel)
			w.config.Hub.Publish(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Kill is part of the worker.Worker interface.
func (w *relayWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *relayWorker) Wait() error {
	return w.catacomb.Wait()
}
