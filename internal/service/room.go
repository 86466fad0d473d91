package service

import (
	"context"

	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"
)

// RoomService 封装聊天室管理：创建、加入、查询成员所属房间。
type RoomService struct {
	db repo.Repository
}

func NewRoomService(db repo.Repository) *RoomService {
	return &RoomService{db: db}
}

// RoomDTO 是对外输出的聊天室数据。
type RoomDTO struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MembersNum  int64  `json:"members_count"`
}

// Create 创建聊天室并把创建者登记为 admin 成员，二者在同一事务内。
func (s *RoomService) Create(ctx context.Context, name, description string, creatorID uint) (*RoomDTO, error) {
	room := models.ChatRoom{Name: name, Description: description, IsActive: true}
	err := s.db.Transaction(ctx, func(tx repo.Repository) error {
		if err := tx.Create(ctx, &room); err != nil {
			return err
		}
		member := models.ChatRoomMember{ChatRoomID: room.ID, UserID: creatorID, MemberType: models.MemberTypeAdmin}
		return tx.Create(ctx, &member)
	})
	if err != nil {
		return nil, err
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, Description: room.Description, MembersNum: 1}, nil
}

// Join 把用户加为聊天室普通成员；重复加入返回 ErrAlreadyMember。
func (s *RoomService) Join(ctx context.Context, roomID, userID uint) error {
	exists, err := s.db.Exists(ctx, &models.ChatRoom{}, repo.Where("id = ?", roomID))
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	member, err := s.db.Exists(ctx, &models.ChatRoomMember{},
		repo.Where("chat_room_id = ? AND user_id = ?", roomID, userID))
	if err != nil {
		return err
	}
	if member {
		return ErrAlreadyMember
	}
	row := models.ChatRoomMember{ChatRoomID: roomID, UserID: userID, MemberType: models.MemberTypeMember}
	return s.db.Create(ctx, &row)
}

// ListForUser 返回用户所属的聊天室及成员数。
func (s *RoomService) ListForUser(ctx context.Context, userID uint) ([]RoomDTO, error) {
	var members []models.ChatRoomMember
	if err := s.db.GetMany(ctx, &members, repo.Where("user_id = ?", userID)); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []RoomDTO{}, nil
	}
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ChatRoomID)
	}
	var rooms []models.ChatRoom
	if err := s.db.GetMany(ctx, &rooms, repo.Where("id IN ?", ids), repo.Order("id asc")); err != nil {
		return nil, err
	}
	var counts []models.ChatRoomMember
	if err := s.db.GetMany(ctx, &counts, repo.Where("chat_room_id IN ?", ids)); err != nil {
		return nil, err
	}
	perRoom := make(map[uint]int64, len(ids))
	for _, m := range counts {
		perRoom[m.ChatRoomID]++
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{ID: r.ID, Name: r.Name, Description: r.Description, MembersNum: perRoom[r.ID]})
	}
	return out, nil
}
