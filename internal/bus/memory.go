package bus

import (
	"context"
	"sync"
)

// MemoryBus 是进程内的 Bus 实现，供单进程部署和测试使用，语义与 RedisBus
// 一致：即发即弃，慢订阅者的缓冲满后丢弃事件。
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.events <- Event{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	sub := &memorySubscription{bus: b, channels: set, events: make(chan Event, 256)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	bus      *MemoryBus
	channels map[string]bool
	events   chan Event
	once     sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.events)
	})
	return nil
}
