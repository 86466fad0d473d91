package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/metrics"
	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Scheduler 是延迟投递协调器的能力接口，由 sched 包的 asynq 适配实现。
// 取消是尽力而为：失败由 worker 的幂等保护兜底。
type Scheduler interface {
	ScheduleSend(ctx context.Context, messageID uint, fireAt time.Time) (string, error)
	Reschedule(ctx context.Context, jobID string, messageID uint, fireAt time.Time) (string, error)
	CancelSend(ctx context.Context, jobID string)
}

// MessageService 封装消息全生命周期：普通与定时消息的创建、编辑、删除，
// 以及定时消息由 worker 触发的提升。每次成功变更后向房间频道广播事件；
// 广播只是尽力而为的通知，失败不回滚已提交的变更。
type MessageService struct {
	db    repo.Repository
	bus   bus.Bus
	sched Scheduler
}

// NewMessageService 构造消息服务；scheduler 传 nil 时定时消息操作全部
// 返回 ErrMissingScheduler（配置错误而非请求错误）。
func NewMessageService(db repo.Repository, b bus.Bus, scheduler Scheduler) *MessageService {
	return &MessageService{db: db, bus: b, sched: scheduler}
}

// CreateMessageInput 描述一次消息创建请求。
type CreateMessageInput struct {
	RoomID      uint
	AuthorID    uint
	Text        string
	RepliedToID *uint
	Attachments []string
}

// UpdateMessageInput 描述消息编辑的字段变更，nil 字段保持不变。
type UpdateMessageInput struct {
	Text        *string
	ScheduledAt *time.Time
}

// CreateMessage 持久化一条 primary 消息并广播 created 事件。
// 返回完整加载（作者、附件）的消息，保证响应与广播载荷一致。
func (s *MessageService) CreateMessage(ctx context.Context, in CreateMessageInput) (*models.Message, error) {
	msg, err := s.create(ctx, in, models.MessageTypePrimary, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, in.RoomID, ActionCreated, messageEvent{Action: ActionCreated, MessagePayload: ToPayload(msg)})
	return msg, nil
}

// CreateScheduledMessage 持久化一条 scheduled 消息并入队延迟任务，
// 把任务 ID 记录到消息上。不向房间广播：消息尚未"上线"。
func (s *MessageService) CreateScheduledMessage(ctx context.Context, in CreateMessageInput, scheduledAt time.Time) (*models.Message, error) {
	if s.sched == nil {
		return nil, ErrMissingScheduler
	}
	if !scheduledAt.After(time.Now()) {
		return nil, ErrScheduledAtPast
	}
	msg, err := s.create(ctx, in, models.MessageTypeScheduled, &scheduledAt)
	if err != nil {
		return nil, err
	}
	jobID, err := s.sched.ScheduleSend(ctx, msg.ID, scheduledAt)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Update(ctx, &models.Message{}, map[string]any{"scheduler_task_id": jobID},
		repo.Where("id = ?", msg.ID)); err != nil {
		return nil, err
	}
	return s.loadMessage(ctx, msg.ID)
}

func (s *MessageService) create(ctx context.Context, in CreateMessageInput, messageType string, scheduledAt *time.Time) (*models.Message, error) {
	msg := models.Message{
		Text:        in.Text,
		AuthorID:    &in.AuthorID,
		ChatRoomID:  in.RoomID,
		MessageType: messageType,
		ScheduledAt: scheduledAt,
		RepliedToID: in.RepliedToID,
	}
	for i, name := range in.Attachments {
		msg.Attachments = append(msg.Attachments, models.MessageAttachment{FileName: name, Position: i})
	}
	if err := s.db.Create(ctx, &msg); err != nil {
		return nil, err
	}
	return s.loadMessage(ctx, msg.ID)
}

// UpdateMessage 编辑一条 primary 消息，置位 is_edited（单调，不可回退），
// 并广播 updated 事件。重复编辑保持 is_edited = true。
func (s *MessageService) UpdateMessage(ctx context.Context, roomID, messageID uint, in UpdateMessageInput) (*models.Message, error) {
	if _, err := s.getScoped(ctx, roomID, messageID, models.MessageTypePrimary); err != nil {
		return nil, err
	}
	fields := map[string]any{"is_edited": true}
	if in.Text != nil {
		fields["text"] = *in.Text
	}
	if _, err := s.db.Update(ctx, &models.Message{}, fields, repo.Where("id = ?", messageID)); err != nil {
		return nil, err
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, roomID, ActionUpdated, messageEvent{Action: ActionUpdated, MessagePayload: ToPayload(msg)})
	return msg, nil
}

// UpdateScheduledMessage 编辑一条未触发的定时消息；投递时间变化时重新武装
// 延迟任务（取消后按原任务 ID 重新入队）。消息未上线，不广播。
func (s *MessageService) UpdateScheduledMessage(ctx context.Context, roomID, messageID uint, in UpdateMessageInput) (*models.Message, error) {
	if s.sched == nil {
		return nil, ErrMissingScheduler
	}
	msg, err := s.getScoped(ctx, roomID, messageID, models.MessageTypeScheduled)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if in.Text != nil {
		fields["text"] = *in.Text
		fields["is_edited"] = true
	}
	if in.ScheduledAt != nil {
		if !in.ScheduledAt.After(time.Now()) {
			return nil, ErrScheduledAtPast
		}
		fields["scheduled_at"] = *in.ScheduledAt
	}
	if len(fields) > 0 {
		if _, err := s.db.Update(ctx, &models.Message{}, fields, repo.Where("id = ?", messageID)); err != nil {
			return nil, err
		}
	}
	if in.ScheduledAt != nil && msg.SchedulerTaskID != nil {
		jobID, err := s.sched.Reschedule(ctx, *msg.SchedulerTaskID, messageID, *in.ScheduledAt)
		if err != nil {
			return nil, err
		}
		if _, err := s.db.Update(ctx, &models.Message{}, map[string]any{"scheduler_task_id": jobID},
			repo.Where("id = ?", messageID)); err != nil {
			return nil, err
		}
	}
	return s.loadMessage(ctx, messageID)
}

// DeleteMessages 按 ID 集合批量删除 primary 消息及其附件，
// 然后广播一条携带全部 ID 的 deleted 事件。返回实际删除的 ID。
func (s *MessageService) DeleteMessages(ctx context.Context, roomID uint, messageIDs []uint) ([]uint, error) {
	deleted, _, err := s.deleteScoped(ctx, roomID, messageIDs, models.MessageTypePrimary)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s.publish(ctx, roomID, ActionDeleted, deletedEvent{Action: ActionDeleted, MessageIDs: deleted})
	}
	return deleted, nil
}

// DeleteScheduledMessages 批量删除 scheduled 消息，并对每个仍挂着任务 ID 的
// 行尝试取消延迟任务。取消失败（任务可能已开始触发）被吞掉不向上抛：
// worker 的空转保护会处理这种竞态。
func (s *MessageService) DeleteScheduledMessages(ctx context.Context, roomID uint, messageIDs []uint) ([]uint, error) {
	if s.sched == nil {
		return nil, ErrMissingScheduler
	}
	deleted, jobIDs, err := s.deleteScoped(ctx, roomID, messageIDs, models.MessageTypeScheduled)
	if err != nil {
		return nil, err
	}
	for _, jobID := range jobIDs {
		s.sched.CancelSend(ctx, jobID)
	}
	if len(deleted) > 0 {
		s.publish(ctx, roomID, ActionDeleted, deletedEvent{Action: ActionDeleted, MessageIDs: deleted})
	}
	return deleted, nil
}

func (s *MessageService) deleteScoped(ctx context.Context, roomID uint, messageIDs []uint, messageType string) (deleted []uint, jobIDs []string, err error) {
	if len(messageIDs) == 0 {
		return nil, nil, nil
	}
	var msgs []models.Message
	err = s.db.GetMany(ctx, &msgs,
		repo.Where("chat_room_id = ? AND message_type = ? AND id IN ?", roomID, messageType, messageIDs))
	if err != nil {
		return nil, nil, err
	}
	if len(msgs) == 0 {
		return nil, nil, nil
	}
	for _, m := range msgs {
		deleted = append(deleted, m.ID)
		if m.SchedulerTaskID != nil {
			jobIDs = append(jobIDs, *m.SchedulerTaskID)
		}
	}
	err = s.db.Transaction(ctx, func(tx repo.Repository) error {
		if _, err := tx.Delete(ctx, &models.MessageAttachment{}, repo.Where("message_id IN ?", deleted)); err != nil {
			return err
		}
		_, err := tx.Delete(ctx, &models.Message{}, repo.Where("id IN ?", deleted))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return deleted, jobIDs, nil
}

// PromoteScheduledMessage 由后台 worker 在投递时刻调用：把定时消息提升为
// primary 并执行与 CreateMessage 相同的 created 广播。消息已被删除或已被
// 重复触发提升时静默返回成功（至少一次投递下的幂等保护）。
func (s *MessageService) PromoteScheduledMessage(ctx context.Context, messageID uint) error {
	var msg models.Message
	err := s.db.GetOne(ctx, &msg, repo.Where("id = ?", messageID))
	if errors.Is(err, repo.ErrNotFound) {
		log.Info().Uint("message_id", messageID).Msg("promote: message already deleted")
		metrics.ScheduledJobsTotal.WithLabelValues(metrics.JobNoop).Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if msg.MessageType != models.MessageTypeScheduled {
		log.Info().Uint("message_id", messageID).Msg("promote: message already primary")
		metrics.ScheduledJobsTotal.WithLabelValues(metrics.JobNoop).Inc()
		return nil
	}
	// 提升不算编辑，is_edited 保持原值。
	rows, err := s.db.Update(ctx, &models.Message{},
		map[string]any{"message_type": models.MessageTypePrimary, "scheduler_task_id": nil},
		repo.Where("id = ? AND message_type = ?", messageID, models.MessageTypeScheduled))
	if err != nil {
		return err
	}
	if rows == 0 {
		metrics.ScheduledJobsTotal.WithLabelValues(metrics.JobNoop).Inc()
		return nil
	}
	full, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	metrics.ScheduledJobsTotal.WithLabelValues(metrics.JobPromoted).Inc()
	s.publish(ctx, full.ChatRoomID, ActionCreated, messageEvent{Action: ActionCreated, MessagePayload: ToPayload(full)})
	return nil
}

// ListMessages 分页查询房间内的 primary 消息，按 id 升序返回投影。
func (s *MessageService) ListMessages(ctx context.Context, roomID uint, limit int, beforeID uint) ([]MessagePayload, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scopes := []repo.Scope{
		repo.Where("chat_room_id = ? AND message_type = ?", roomID, models.MessageTypePrimary),
		repo.Order("id desc"),
		repo.Limit(limit),
		repo.Preload("Author"),
		preloadAttachments(),
	}
	if beforeID > 0 {
		scopes = append(scopes, repo.Where("id < ?", beforeID))
	}
	var msgs []models.Message
	if err := s.db.GetMany(ctx, &msgs, scopes...); err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	out := make([]MessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, ToPayload(&msgs[i]))
	}
	return out, nil
}

// ListScheduledMessages 返回某个作者在房间内尚未投递的定时消息，
// 只有作者本人能看到自己的定时队列。
func (s *MessageService) ListScheduledMessages(ctx context.Context, roomID, authorID uint) ([]MessagePayload, error) {
	var msgs []models.Message
	err := s.db.GetMany(ctx, &msgs,
		repo.Where("chat_room_id = ? AND message_type = ? AND author_id = ?", roomID, models.MessageTypeScheduled, authorID),
		repo.Order("scheduled_at asc"),
		repo.Preload("Author"),
		preloadAttachments(),
	)
	if err != nil {
		return nil, err
	}
	out := make([]MessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, ToPayload(&msgs[i]))
	}
	return out, nil
}

// getScoped 取出限定房间与类型的消息，不存在时返回 ErrMessageNotFound。
func (s *MessageService) getScoped(ctx context.Context, roomID, messageID uint, messageType string) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetOne(ctx, &msg,
		repo.Where("id = ? AND chat_room_id = ? AND message_type = ?", messageID, roomID, messageType))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// loadMessage 返回完整加载（作者、按位置排序的附件）的消息。
func (s *MessageService) loadMessage(ctx context.Context, messageID uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetOne(ctx, &msg,
		repo.Where("id = ?", messageID),
		repo.Preload("Author"),
		preloadAttachments(),
	)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func preloadAttachments() repo.Scope {
	return repo.Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") })
}

// publish 把事件序列化后发到房间频道。广播失败只记日志：
// 已提交的变更才是事实来源，通知是尽力而为。
func (s *MessageService) publish(ctx context.Context, roomID uint, action string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Str("action", action).Msg("marshal event")
		return
	}
	if err := s.bus.Publish(ctx, bus.RoomChannel(roomID), data); err != nil {
		log.Warn().Err(err).Uint("room_id", roomID).Str("action", action).Msg("publish event")
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(action).Inc()
}
