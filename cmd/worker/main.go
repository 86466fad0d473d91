package main

import (
	"context"

	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/chat"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/db"
	clog "github.com/bskqd/bgram/internal/log"
	"github.com/bskqd/bgram/internal/repo"
	"github.com/bskqd/bgram/internal/sched"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

func main() {
	// worker 进程消费定时消息投递任务，把到点的定时消息提升为普通消息并广播。
	cfg := config.Load()
	clog.Init(cfg.Env, "worker")
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	repository := repo.NewGorm(gdb)

	eventBus, err := bus.NewRedisBus(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}

	// worker 只提升消息，不创建新的定时任务，scheduler 传 nil。
	msgSvc := chat.NewMessageService(repository, eventBus, nil)

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{cfg.TasksQueue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(sched.TaskSendScheduledMessage, sched.NewSendHandler(msgSvc))

	log.Info().Str("queue", cfg.TasksQueue).Msg("worker started")
	if err := srv.Run(mux); err != nil {
		log.Fatal().Err(err).Msg("worker run")
	}
}
