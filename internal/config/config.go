package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	RedisURL              string
	TasksQueue            string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func Load() Config {
	port := getenv("APP_PORT", "8080")
	dsn := getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=bgram port=5432 sslmode=disable TimeZone=UTC")
	redisURL := getenv("REDIS_URL", "redis://localhost:6379/0")
	queue := getenv("TASKS_QUEUE", "tasks_scheduling")
	secret := getenv("JWT_SECRET", "dev-secret-change-me")
	env := getenv("APP_ENV", "dev")
	accessTTLStr := getenv("ACCESS_TOKEN_TTL_MINUTES", "15")
	refreshTTLDaysStr := getenv("REFRESH_TOKEN_TTL_DAYS", "7")
	accessTTL, _ := strconv.Atoi(accessTTLStr)
	if accessTTL <= 0 {
		accessTTL = 15
	}
	refreshTTL, _ := strconv.Atoi(refreshTTLDaysStr)
	if refreshTTL <= 0 {
		refreshTTL = 7
	}
	return Config{
		Port:                  port,
		DatabaseDSN:           dsn,
		RedisURL:              redisURL,
		TasksQueue:            queue,
		JWTSecret:             secret,
		Env:                   env,
		AccessTokenTTLMinutes: accessTTL,
		RefreshTokenTTLDays:   refreshTTL,
	}
}

// Validate 启动前做配置自检，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.RedisURL == "" {
		return errors.New("redis url is required")
	}
	if cfg.TasksQueue == "" {
		return errors.New("tasks queue is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}
