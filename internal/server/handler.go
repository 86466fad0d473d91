package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bskqd/bgram/internal/auth"
	"github.com/bskqd/bgram/internal/chat"
	"github.com/bskqd/bgram/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层与权限守卫。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *chat.MessageService
	guard   *chat.PermissionGuard
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *chat.MessageService, guard *chat.PermissionGuard) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, guard: guard}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Nickname = strings.TrimSpace(req.Nickname)
	req.Email = strings.TrimSpace(req.Email)
	if req.Nickname == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Nickname) < 2 || len(req.Nickname) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nickname"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Nickname, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrNicknameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "nickname taken"})
			return
		}
		if errors.Is(err, service.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
			return
		}
		log.Error().Err(err).Str("nickname", req.Nickname).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "nickname": result.Nickname, "email": result.Email})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "nickname": result.User.Nickname, "email": result.User.Email},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateRoom 处理创建聊天室请求，创建者自动成为 admin 成员。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), req.Name, req.Description, auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("creator_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 处理获取当前用户所属聊天室列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// JoinRoom 处理加入聊天室请求。
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	err := h.roomSvc.Join(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		if errors.Is(err, service.ErrAlreadyMember) {
			c.JSON(http.StatusConflict, gin.H{"error": "already a member"})
			return
		}
		log.Error().Err(err).Uint("room_id", roomID).Uint("user_id", auth.GetUserID(c)).Msg("join room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

// ListMessages 处理获取房间消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	var beforeID uint
	if v, err := strconv.Atoi(c.Query("before_id")); err == nil && v > 0 {
		beforeID = uint(v)
	}
	msgs, err := h.msgSvc.ListMessages(c.Request.Context(), roomID, limit, beforeID)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// CreateMessage 处理发送消息请求，成功后向房间频道广播 created 事件。
func (h *Handler) CreateMessage(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	var req struct {
		Text        string   `json:"text"`
		RepliedTo   *uint    `json:"replied_to"`
		Attachments []string `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.CreateMessage(c.Request.Context(), chat.CreateMessageInput{
		RoomID:      roomID,
		AuthorID:    auth.GetUserID(c),
		Text:        req.Text,
		RepliedToID: req.RepliedTo,
		Attachments: req.Attachments,
	})
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("create message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": chat.ToPayload(msg)})
}

// UpdateMessage 处理编辑消息请求，只有作者可以编辑。
func (h *Handler) UpdateMessage(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	if !h.requireAuthorship(c, []uint{messageID}) {
		return
	}
	var req struct {
		Text *string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.UpdateMessage(c.Request.Context(), roomID, messageID, chat.UpdateMessageInput{Text: req.Text})
	if err != nil {
		h.abortMessageErr(c, err, roomID, "update message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": chat.ToPayload(msg)})
}

// DeleteMessages 处理批量删除消息请求，只有作者可以删除。
func (h *Handler) DeleteMessages(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	ids, ok := messageIDsQuery(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	if !h.requireAuthorship(c, ids) {
		return
	}
	deleted, err := h.msgSvc.DeleteMessages(c.Request.Context(), roomID, ids)
	if err != nil {
		h.abortMessageErr(c, err, roomID, "delete messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// ListScheduledMessages 处理获取本人未投递定时消息列表请求。
func (h *Handler) ListScheduledMessages(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	msgs, err := h.msgSvc.ListScheduledMessages(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("list scheduled messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list scheduled messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// CreateScheduledMessage 处理创建定时消息请求，投递时间必须在未来。
func (h *Handler) CreateScheduledMessage(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	var req struct {
		Text        string    `json:"text"`
		ScheduledAt time.Time `json:"scheduled_at"`
		RepliedTo   *uint     `json:"replied_to"`
		Attachments []string  `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" || req.ScheduledAt.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.CreateScheduledMessage(c.Request.Context(), chat.CreateMessageInput{
		RoomID:      roomID,
		AuthorID:    auth.GetUserID(c),
		Text:        req.Text,
		RepliedToID: req.RepliedTo,
		Attachments: req.Attachments,
	}, req.ScheduledAt)
	if err != nil {
		h.abortMessageErr(c, err, roomID, "create scheduled message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": chat.ToPayload(msg)})
}

// UpdateScheduledMessage 处理编辑定时消息请求，投递时间变化时重新编排任务。
func (h *Handler) UpdateScheduledMessage(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	if !h.requireAuthorship(c, []uint{messageID}) {
		return
	}
	var req struct {
		Text        *string    `json:"text"`
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.UpdateScheduledMessage(c.Request.Context(), roomID, messageID,
		chat.UpdateMessageInput{Text: req.Text, ScheduledAt: req.ScheduledAt})
	if err != nil {
		h.abortMessageErr(c, err, roomID, "update scheduled message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": chat.ToPayload(msg)})
}

// DeleteScheduledMessages 处理批量删除定时消息请求，同时取消延迟任务。
func (h *Handler) DeleteScheduledMessages(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	ids, ok := messageIDsQuery(c)
	if !ok {
		return
	}
	if !h.requireMembership(c, roomID) {
		return
	}
	if !h.requireAuthorship(c, ids) {
		return
	}
	deleted, err := h.msgSvc.DeleteScheduledMessages(c.Request.Context(), roomID, ids)
	if err != nil {
		h.abortMessageErr(c, err, roomID, "delete scheduled messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// requireMembership 校验当前用户是房间成员，失败时写响应并返回 false。
func (h *Handler) requireMembership(c *gin.Context, roomID uint) bool {
	err := h.guard.CheckRoomMembership(c.Request.Context(), auth.GetUserID(c), roomID)
	if err == nil {
		return true
	}
	if errors.Is(err, chat.ErrForbidden) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	log.Error().Err(err).Uint("room_id", roomID).Uint("user_id", auth.GetUserID(c)).Msg("membership check")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	return false
}

// requireAuthorship 校验当前用户是全部目标消息的作者，失败时写响应并返回 false。
func (h *Handler) requireAuthorship(c *gin.Context, messageIDs []uint) bool {
	err := h.guard.CheckMessageAuthorship(c.Request.Context(), auth.GetUserID(c), messageIDs)
	if err == nil {
		return true
	}
	if errors.Is(err, chat.ErrForbidden) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("authorship check")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	return false
}

// abortMessageErr 把消息服务的业务错误映射为 HTTP 状态码。
func (h *Handler) abortMessageErr(c *gin.Context, err error, roomID uint, op string) {
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, chat.ErrScheduledAtPast):
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be in the future"})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		log.Error().Err(err).Uint("room_id", roomID).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func roomIDParam(c *gin.Context) (uint, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return uint(v), true
}

func messageIDParam(c *gin.Context) (uint, bool) {
	v, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0, false
	}
	return uint(v), true
}

func messageIDsQuery(c *gin.Context) ([]uint, bool) {
	raw := c.QueryArray("message_ids")
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		raw = strings.Split(raw[0], ",")
	}
	ids := make([]uint, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil || v == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ids"})
			return nil, false
		}
		ids = append(ids, uint(v))
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_ids required"})
		return nil, false
	}
	return ids, true
}
