package models

import "time"

// 消息类型：primary 为已投递的普通消息，scheduled 为等待后台任务提升的定时消息。
const (
	MessageTypePrimary   = "primary"
	MessageTypeScheduled = "scheduled"
)

// 聊天室成员角色。
const (
	MemberTypeAdmin  = "admin"
	MemberTypeMember = "member"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Nickname     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:256;not null"`
	PasswordHash string `gorm:"not null"`
	Description  string `gorm:"type:text"`
	IsActive     bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ChatRoom struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;size:128;not null"`
	Description string `gorm:"type:text"`
	IsActive    bool   `gorm:"default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatRoomMember 是聊天室与用户的多对多关联，MemberType 记录成员角色。
type ChatRoomMember struct {
	ID         uint   `gorm:"primaryKey"`
	ChatRoomID uint   `gorm:"index;index:idx_member_room_user,unique;not null"`
	UserID     uint   `gorm:"index;index:idx_member_room_user,unique;not null"`
	MemberType string `gorm:"size:16;not null;default:member"`
	CreatedAt  time.Time
}

// Message 既承载普通消息也承载定时消息；SchedulerTaskID 仅在存在未触发的
// 定时任务时非空，消息提升为 primary 时清空。
type Message struct {
	ID              uint   `gorm:"primaryKey"`
	Text            string `gorm:"type:text;not null"`
	AuthorID        *uint  `gorm:"index"`
	ChatRoomID      uint   `gorm:"index;not null"`
	MessageType     string `gorm:"size:16;not null;default:primary"`
	ScheduledAt     *time.Time
	SchedulerTaskID *string `gorm:"index;size:64"`
	IsEdited        bool    `gorm:"default:false"`
	RepliedToID     *uint   `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Author      *User               `gorm:"foreignKey:AuthorID;constraint:OnDelete:SET NULL"`
	Attachments []MessageAttachment `gorm:"foreignKey:MessageID"`
}

// MessageAttachment 只保存附件元数据，文件本体由外部存储负责。
type MessageAttachment struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"index;not null"`
	FileName  string `gorm:"size:512;not null"`
	Position  int    `gorm:"not null;default:0"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
