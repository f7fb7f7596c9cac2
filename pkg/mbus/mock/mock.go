// Package mock provides an in-memory Bus for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/jaeaeich/poiesis/pkg/mbus"
)

// Bus delivers messages over in-process channels. Each named channel keeps a
// small buffer so that a publish just before subscribe is still observed,
// which is stricter than the real broker; tests relying on timeout behavior
// should publish nothing.
type Bus struct {
	mu       sync.Mutex
	channels map[string]chan mbus.Message
}

var _ mbus.Bus = &Bus{}

func NewBus() *Bus {
	return &Bus{channels: map[string]chan mbus.Message{}}
}

func (b *Bus) channel(name string) chan mbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = make(chan mbus.Message, 8)
		b.channels[name] = ch
	}
	return ch
}

func (b *Bus) Publish(_ context.Context, channel string, msg mbus.Message) error {
	select {
	case b.channel(channel) <- msg:
	default:
		// Buffer full; the bus is best-effort by contract.
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, timeout time.Duration) (mbus.Message, error) {
	var deadline <-chan time.Time
	if 0 < timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
		return mbus.Message{}, ctx.Err()
	case <-deadline:
		return mbus.Message{}, mbus.ErrTimeout
	case msg := <-b.channel(channel):
		return msg, nil
	}
}

func (b *Bus) Close() error { return nil }
