package messaging

import (
	"context"
	"sync"
)

const subscriptionBuffer = 64

// MemoryChannel is an in-process broadcast channel. Used when the relay runs
// inside the login process, and in tests.
type MemoryChannel struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

// NewMemoryChannel creates an empty in-process channel
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[*memorySubscription]struct{})}
}

// Publish delivers msg to every current subscriber
func (c *MemoryChannel) Publish(ctx context.Context, msg Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for sub := range c.subs {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscriber
func (c *MemoryChannel) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		parent: c,
		ch:     make(chan Message, subscriptionBuffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return sub, nil
}

// Subscribers returns the number of live subscriptions
func (c *MemoryChannel) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

type memorySubscription struct {
	parent *MemoryChannel
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
	})
	return nil
}
