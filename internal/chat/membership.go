package chat

import (
	"context"

	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"
)

// MembershipResolver 解析用户当前所属的全部聊天室。
// 每次新连接都会重新查询，因此这里不做缓存。
type MembershipResolver struct {
	db repo.Repository
}

func NewMembershipResolver(db repo.Repository) *MembershipResolver {
	return &MembershipResolver{db: db}
}

// MemberRoomIDs 返回用户所属聊天室的 ID 集合。
func (r *MembershipResolver) MemberRoomIDs(ctx context.Context, userID uint) ([]uint, error) {
	var members []models.ChatRoomMember
	if err := r.db.GetMany(ctx, &members, repo.Where("user_id = ?", userID)); err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ChatRoomID)
	}
	return ids, nil
}
