package sched

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// JobQueue 是分布式任务队列的能力接口。Enqueue 以 jobID 作为稳定任务标识，
// 同一 ID 重复入队返回 ErrDuplicateJob；Cancel 尽力而为，返回是否确认取消。
type JobQueue interface {
	Enqueue(ctx context.Context, taskType string, payload []byte, fireAt time.Time, jobID string) (string, error)
	Cancel(ctx context.Context, jobID string) bool
}

// ErrDuplicateJob 表示目标任务 ID 已被占用（旧任务尚未取消或已在执行）。
var ErrDuplicateJob = errors.New("job id already in use")

// AsynqQueue 基于 asynq（Redis 任务队列）实现 JobQueue。
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

func NewAsynqQueue(redisURL, queue string) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queue,
	}, nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

func (q *AsynqQueue) Enqueue(ctx context.Context, taskType string, payload []byte, fireAt time.Time, jobID string) (string, error) {
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload),
		asynq.Queue(q.queue),
		asynq.TaskID(jobID),
		asynq.ProcessAt(fireAt),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", ErrDuplicateJob
	}
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (q *AsynqQueue) Cancel(_ context.Context, jobID string) bool {
	if err := q.inspector.DeleteTask(q.queue, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("cancel scheduled job")
		return false
	}
	return true
}
