// Package redis implements the channel bus on Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

type bus struct {
	client *redis.Client
}

var _ mbus.Bus = &bus{}

// New connects to the message broker.
func New(conf config.Broker) (mbus.Bus, error) {
	if conf.Host == "" {
		return nil, xe.New("message broker is not configured: MESSAGE_BROKER_HOST is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr(),
		Password: conf.Password,
	})
	return &bus{client: client}, nil
}

func (b *bus) Publish(ctx context.Context, channel string, msg mbus.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return xe.Wrap(err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return xe.WrapWithNote("publishing to "+channel, err)
	}
	return nil
}

func (b *bus) Subscribe(ctx context.Context, channel string, timeout time.Duration) (mbus.Message, error) {
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()

	// Force the SUBSCRIBE round-trip so that messages published after this
	// call returns are guaranteed to be observed.
	if _, err := sub.Receive(ctx); err != nil {
		return mbus.Message{}, xe.WrapWithNote("subscribing to "+channel, err)
	}

	var deadline <-chan time.Time
	if 0 < timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return mbus.Message{}, ctx.Err()
		case <-deadline:
			return mbus.Message{}, mbus.ErrTimeout
		case raw, ok := <-sub.Channel():
			if !ok {
				return mbus.Message{}, xe.New("subscription closed: " + channel)
			}
			var msg mbus.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				// Not ours; keep waiting within the deadline.
				continue
			}
			return msg, nil
		}
	}
}

func (b *bus) Close() error {
	return b.client.Close()
}
