package server

import (
	"net/http"
	"time"

	"github.com/bskqd/bgram/internal/auth"
	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/metrics"
	"github.com/bskqd/bgram/internal/mw"
	"github.com/bskqd/bgram/internal/repo"
	"github.com/bskqd/bgram/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db repo.Repository, b bus.Bus, reg *ws.Registry, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CORS(cfg.Env))
	r.Use(metrics.GinMiddleware())
	// 控制单个 IP+路由的速率，保护消息写入接口。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/chat_rooms", h.CreateRoom)
	authed.GET("/chat_rooms", h.ListRooms)
	authed.POST("/chat_rooms/:id/members", h.JoinRoom)

	authed.GET("/chat_rooms/:id/messages", h.ListMessages)
	authed.POST("/chat_rooms/:id/messages", h.CreateMessage)
	authed.PATCH("/chat_rooms/:id/messages/:message_id", h.UpdateMessage)
	authed.DELETE("/chat_rooms/:id/messages", h.DeleteMessages)

	authed.GET("/chat_rooms/:id/scheduled_messages", h.ListScheduledMessages)
	authed.POST("/chat_rooms/:id/scheduled_messages", h.CreateScheduledMessage)
	authed.PATCH("/chat_rooms/:id/scheduled_messages/:message_id", h.UpdateScheduledMessage)
	authed.DELETE("/chat_rooms/:id/scheduled_messages", h.DeleteScheduledMessages)

	// websocket 端点自带鉴权：握手前完成成员资格校验。
	api.GET("/chat_rooms/:id/chat", ws.Serve(reg, b, db, cfg))

	return r
}
