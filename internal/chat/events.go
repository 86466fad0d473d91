package chat

import (
	"time"

	"github.com/bskqd/bgram/internal/models"
)

// 事件动作，随事件信封广播给聊天室的所有订阅连接。
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// AuthorPayload 是消息作者的对外投影。
type AuthorPayload struct {
	ID       uint   `json:"id"`
	Nickname string `json:"nickname"`
}

type AttachmentPayload struct {
	ID       uint   `json:"id"`
	FileName string `json:"file_name"`
	Position int    `json:"position"`
}

// MessagePayload 是消息的对外投影，REST 响应与广播事件共用，
// 保证调用方看到的数据与推送给订阅者的一致。
type MessagePayload struct {
	ID          uint                `json:"id"`
	Text        string              `json:"text"`
	IsEdited    bool                `json:"is_edited"`
	Author      *AuthorPayload      `json:"author"`
	Attachments []AttachmentPayload `json:"attachments"`
	RepliedTo   *uint               `json:"replied_to"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
	CreatedAt   time.Time           `json:"created_at"`
}

// messageEvent 是 created/updated 事件的信封。
type messageEvent struct {
	Action string `json:"action"`
	MessagePayload
}

// deletedEvent 携带单次批量删除的全部消息 ID。
type deletedEvent struct {
	Action     string `json:"action"`
	MessageIDs []uint `json:"message_ids"`
}

// ToPayload 把持久化的消息投影为对外结构；scheduled_at 仅对定时消息暴露。
func ToPayload(m *models.Message) MessagePayload {
	p := MessagePayload{
		ID:          m.ID,
		Text:        m.Text,
		IsEdited:    m.IsEdited,
		Attachments: make([]AttachmentPayload, 0, len(m.Attachments)),
		RepliedTo:   m.RepliedToID,
		CreatedAt:   m.CreatedAt,
	}
	if m.Author != nil {
		p.Author = &AuthorPayload{ID: m.Author.ID, Nickname: m.Author.Nickname}
	}
	if m.MessageType == models.MessageTypeScheduled {
		p.ScheduledAt = m.ScheduledAt
	}
	for _, a := range m.Attachments {
		p.Attachments = append(p.Attachments, AttachmentPayload{ID: a.ID, FileName: a.FileName, Position: a.Position})
	}
	return p
}
