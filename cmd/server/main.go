package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/chat"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/db"
	clog "github.com/bskqd/bgram/internal/log"
	"github.com/bskqd/bgram/internal/repo"
	"github.com/bskqd/bgram/internal/sched"
	"github.com/bskqd/bgram/internal/server"
	"github.com/bskqd/bgram/internal/service"
	"github.com/bskqd/bgram/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与 Redis 并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, "server")
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	repository := repo.NewGorm(gdb)

	eventBus, err := bus.NewRedisBus(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}

	queue, err := sched.NewAsynqQueue(cfg.RedisURL, cfg.TasksQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("tasks queue connect")
	}
	defer queue.Close()
	scheduler := sched.NewScheduler(queue)

	userSvc := service.NewUserService(repository, cfg)
	roomSvc := service.NewRoomService(repository)
	msgSvc := chat.NewMessageService(repository, eventBus, scheduler)
	guard := chat.NewPermissionGuard(repository)

	registry := ws.NewRegistry()
	h := server.NewHandler(userSvc, roomSvc, msgSvc, guard)
	r := server.SetupRouter(cfg, repository, eventBus, registry, h)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()
	log.Info().Str("port", cfg.Port).Msg("server started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
