package bus

import (
	"context"
	"fmt"
)

// Event 是从订阅通道收到的一条原始事件。
type Event struct {
	Channel string
	Payload []byte
}

// Subscription 表示一组频道上的订阅；Events 返回的通道在 Close 后关闭，
// 订阅被消费方断开后不可重新启动。
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus 是发布/订阅代理的最小封装。Publish 即发即弃：没有订阅者时事件直接丢弃。
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// RoomChannel 根据聊天室 ID 确定性地推导广播频道名。
func RoomChannel(roomID uint) string {
	return fmt.Sprintf("chat_room:%d", roomID)
}
