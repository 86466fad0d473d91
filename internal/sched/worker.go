package sched

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Promoter 把定时消息提升为 primary 并广播，由 chat 包的消息服务实现。
// 消息已删除或已提升时必须静默成功（至少一次投递下的幂等要求）。
type Promoter interface {
	PromoteScheduledMessage(ctx context.Context, messageID uint) error
}

// NewSendHandler 返回投递任务的 asynq 处理函数，注册在
// TaskSendScheduledMessage 名下。
func NewSendHandler(promoter Promoter) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p SendPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			// 载荷损坏无法重试出结果，记日志后按成功处理避免死循环重投。
			log.Error().Err(err).Msg("send scheduled message: bad payload")
			return nil
		}
		if err := promoter.PromoteScheduledMessage(ctx, p.MessageID); err != nil {
			log.Error().Err(err).Uint("message_id", p.MessageID).Msg("send scheduled message")
			return err
		}
		return nil
	}
}
