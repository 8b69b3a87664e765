package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/eventbus/pkg/outbox"
)

const (
	// DefaultMemoryBuffer is the channel capacity used by New for the memory driver.
	DefaultMemoryBuffer = 1024
	redeliveryDelay     = 50 * time.Millisecond
)

// Memory is an in-process broker backed by buffered channels. Handler errors
// requeue the delivery after a short delay.
type Memory struct {
	events chan outbox.Envelope
	rollup chan string

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMemory creates a memory broker with the given channel capacity.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultMemoryBuffer
	}
	return &Memory{
		events: make(chan outbox.Envelope, buffer),
		rollup: make(chan string, buffer),
		done:   make(chan struct{}),
	}
}

func (m *Memory) Send(ctx context.Context, topic string, env outbox.Envelope) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	env.Topic = topic
	return enqueue(ctx, m, m.events, env)
}

func (m *Memory) SignalRollup(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return enqueue(ctx, m, m.rollup, eventID)
}

func (m *Memory) ReceiveEvents(ctx context.Context, fn EventHandler) error {
	return receive(ctx, m, m.events, fn)
}

func (m *Memory) ReceiveRollups(ctx context.Context, fn RollupHandler) error {
	return receive(ctx, m, m.rollup, fn)
}

func (m *Memory) Ping(context.Context) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close stops receivers and waits for pending redeliveries to give up.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

// Pending reports how many envelopes and rollup signals are queued.
func (m *Memory) Pending() (events, rollups int) {
	return len(m.events), len(m.rollup)
}

func enqueue[T any](ctx context.Context, m *Memory, ch chan T, item T) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}
	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func receive[T any](ctx context.Context, m *Memory, ch chan T, fn func(context.Context, T) error) error {
	if fn == nil {
		return errors.New("handler is required")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case item := <-ch:
			if err := fn(ctx, item); err != nil {
				redeliver(m, ch, item)
			}
		}
	}
}

func redeliver[T any](m *Memory, ch chan T, item T) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(redeliveryDelay)
		defer timer.Stop()
		select {
		case <-m.done:
			return
		case <-timer.C:
		}
		select {
		case ch <- item:
		case <-m.done:
		}
	}()
}
