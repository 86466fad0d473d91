package chat

import (
	"context"

	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"
)

// PermissionGuard 在订阅和消息变更入口处做权限校验。
// 约定：先查成员资格（便宜），变更操作再查作者身份。
type PermissionGuard struct {
	db repo.Repository
}

func NewPermissionGuard(db repo.Repository) *PermissionGuard {
	return &PermissionGuard{db: db}
}

// CheckRoomMembership 校验用户是聊天室成员，否则返回 ErrForbidden。
func (g *PermissionGuard) CheckRoomMembership(ctx context.Context, userID, roomID uint) error {
	ok, err := g.db.Exists(ctx, &models.ChatRoomMember{},
		repo.Where("user_id = ? AND chat_room_id = ?", userID, roomID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// CheckMessageAuthorship 校验用户是给定全部消息的作者，否则返回 ErrForbidden。
func (g *PermissionGuard) CheckMessageAuthorship(ctx context.Context, userID uint, messageIDs []uint) error {
	if len(messageIDs) == 0 {
		return ErrForbidden
	}
	unique := make(map[uint]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		unique[id] = struct{}{}
	}
	var owned []models.Message
	err := g.db.GetMany(ctx, &owned,
		repo.Select("id"),
		repo.Where("id IN ? AND author_id = ?", messageIDs, userID))
	if err != nil {
		return err
	}
	if len(owned) != len(unique) {
		return ErrForbidden
	}
	return nil
}
