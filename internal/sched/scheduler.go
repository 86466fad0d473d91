package sched

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bskqd/bgram/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TaskSendScheduledMessage 是定时消息投递任务在队列上的注册名，
// server 入队、worker 消费都通过它。
const TaskSendScheduledMessage = "messages:send_scheduled"

// 取消确认的等待上限；超时按"未能确认取消"处理并吞掉，
// 真正的正确性兜底是 worker 的幂等保护。
const cancelTimeout = 2 * time.Second

// SendPayload 是投递任务的载荷。
type SendPayload struct {
	MessageID uint `json:"message_id"`
}

// Scheduler 协调定时消息与任务队列：入队、改期重新武装、尽力取消。
type Scheduler struct {
	queue JobQueue
}

func NewScheduler(queue JobQueue) *Scheduler {
	return &Scheduler{queue: queue}
}

// ScheduleSend 为消息入队一个在 fireAt 触发的投递任务，返回任务 ID。
func (s *Scheduler) ScheduleSend(ctx context.Context, messageID uint, fireAt time.Time) (string, error) {
	return s.enqueue(ctx, messageID, fireAt, uuid.NewString())
}

// Reschedule 重新武装既有任务：先尽力取消旧任务，再按原任务 ID 重新入队，
// 避免留下孤儿定时器。旧 ID 仍被占用（任务已开始触发）时退回新 ID；
// 这种竞态由 worker 的空转保护处理。
func (s *Scheduler) Reschedule(ctx context.Context, jobID string, messageID uint, fireAt time.Time) (string, error) {
	s.CancelSend(ctx, jobID)
	newID, err := s.enqueue(ctx, messageID, fireAt, jobID)
	if errors.Is(err, ErrDuplicateJob) {
		return s.enqueue(ctx, messageID, fireAt, uuid.NewString())
	}
	return newID, err
}

// CancelSend 尽力取消任务；失败或超时只记日志，不向调用方暴露。
func (s *Scheduler) CancelSend(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()
	if s.queue.Cancel(ctx, jobID) {
		metrics.ScheduledJobsTotal.WithLabelValues(metrics.JobCancelled).Inc()
		return
	}
	log.Info().Str("job_id", jobID).Msg("scheduled job cancellation not confirmed")
}

func (s *Scheduler) enqueue(ctx context.Context, messageID uint, fireAt time.Time, jobID string) (string, error) {
	payload, err := json.Marshal(SendPayload{MessageID: messageID})
	if err != nil {
		return "", err
	}
	id, err := s.queue.Enqueue(ctx, TaskSendScheduledMessage, payload, fireAt, jobID)
	if err != nil {
		return "", err
	}
	metrics.ScheduledJobsTotal.WithLabelValues(metrics.JobEnqueued).Inc()
	return id, nil
}
