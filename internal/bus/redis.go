package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBus 基于 Redis pub/sub 实现 Bus，多个 server/worker 进程共用一个频道空间。
// 客户端连接进程级共享，订阅状态按连接各自持有。
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(ctx context.Context, redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	// 等待订阅确认，保证返回后发布的事件不会丢失。
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, events: make(chan Event, 256)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		s.events <- Event{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
