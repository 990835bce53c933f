package logbus

import (
	"context"
	"fmt"
	"sync"

	"code.cloudfoundry.org/lager/v3"
	"github.com/redis/go-redis/v9"
)

// RedisBroker backs the log bus with a Redis-compatible server so that
// subscribers on other playground replicas see the same per-run channels.
type RedisBroker struct {
	logger lager.Logger
	client redis.UniversalClient
}

func NewRedisBroker(logger lager.Logger, client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{
		logger: logger,
		client: client,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	receivers, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return int(receivers), nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so that no publish which
	// happens after Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	return newRedisSubscription(pubsub), nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	payloads chan []byte
	done     chan struct{}
	once     sync.Once
}

func newRedisSubscription(pubsub *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		pubsub:   pubsub,
		payloads: make(chan []byte),
		done:     make(chan struct{}),
	}

	messages := pubsub.Channel()
	go func() {
		defer close(s.payloads)
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case s.payloads <- []byte(msg.Payload):
				case <-s.done:
					return
				}
			}
		}
	}()
	return s
}

func (s *redisSubscription) Receive() <-chan []byte {
	return s.payloads
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
