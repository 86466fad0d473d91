package ws

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bskqd/bgram/internal/auth"
	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/chat"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 处理 /chat_rooms/:id/chat 的 websocket 端点：先做成员资格校验，
// 失败时不完成握手直接拒绝；通过后订阅用户所属全部房间频道的并集——
// 对任意一个所属房间发起连接即可收到所有所属房间的更新。
func Serve(reg *Registry, b bus.Bus, db repo.Repository, cfg config.Config) gin.HandlerFunc {
	guard := chat.NewPermissionGuard(db)
	resolver := chat.NewMembershipResolver(db)
	return func(c *gin.Context) {
		rid64, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || rid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
			return
		}
		roomID := uint(rid64)

		// websocket 握手无法自定义 header 的场景允许 token 走查询参数。
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.GetOne(c.Request.Context(), &user, repo.Where("id = ?", claims.UserID)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		// 权限失败在升级前短路：客户端观察到的是连接被直接关闭，零数据交换。
		if err := guard.CheckRoomMembership(c.Request.Context(), user.ID, roomID); err != nil {
			if errors.Is(err, chat.ErrForbidden) {
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			log.Error().Err(err).Uint("user_id", user.ID).Uint("room_id", roomID).Msg("ws membership check")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		roomIDs, err := resolver.MemberRoomIDs(c.Request.Context(), user.ID)
		if err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("ws resolve rooms")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		channels := make([]string, 0, len(roomIDs))
		for _, id := range roomIDs {
			channels = append(channels, bus.RoomChannel(id))
		}

		sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		sub, err := b.Subscribe(c.Request.Context(), channels...)
		if err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("ws subscribe")
			_ = sock.Close()
			return
		}

		conn := newConn(reg, sock, sub, user.ID, user.Nickname, channels)
		conn.Run()
	}
}
