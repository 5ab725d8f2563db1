package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/refractionpoint/oidc-login/internal/redis"
)

// DefaultChannelName is the Redis pub/sub channel shared by relays and login processes
const DefaultChannelName = "oidc:messages"

// RedisChannel broadcasts messages over Redis pub/sub so the relay and the
// login process can run separately.
type RedisChannel struct {
	redis  *redis.Client
	name   string
	logger *slog.Logger
}

// NewRedisChannel creates a channel bound to the named pub/sub channel
func NewRedisChannel(redisClient *redis.Client, name string, logger *slog.Logger) *RedisChannel {
	if name == "" {
		name = DefaultChannelName
	}
	return &RedisChannel{
		redis:  redisClient,
		name:   name,
		logger: logger,
	}
}

// Publish sends msg to all subscribers
func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.redis.Publish(ctx, c.name, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe starts receiving messages. Payloads that are not messages are
// dropped here since no consumer could match them.
func (c *RedisChannel) Subscribe(ctx context.Context) (Subscription, error) {
	ps, err := c.redis.Subscribe(ctx, c.name)
	if err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan Message, subscriptionBuffer),
		done: make(chan struct{}),
	}

	sub.wg.Add(1)
	go sub.run(c.logger)

	return sub, nil
}

type redisSubscription struct {
	ps   *goredis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *redisSubscription) run(logger *slog.Logger) {
	defer s.wg.Done()

	in := s.ps.Channel()
	for {
		select {
		case raw, ok := <-in:
			if !ok {
				return
			}
			msg, err := Decode([]byte(raw.Payload))
			if err != nil {
				logger.Debug("Dropping undecodable message", "channel", raw.Channel, "error", err)
				continue
			}
			select {
			case s.ch <- msg:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}
