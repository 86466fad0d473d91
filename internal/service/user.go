package service

import (
	"context"
	"errors"
	"time"

	"github.com/bskqd/bgram/internal/auth"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"
)

// UserService 封装账号相关的业务逻辑。
type UserService struct {
	db  repo.Repository
	cfg config.Config
}

func NewUserService(db repo.Repository, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
}

// Register 注册新用户，昵称与邮箱都要求唯一。
func (s *UserService) Register(ctx context.Context, nickname, email, password string) (*RegisterResult, error) {
	taken, err := s.db.Exists(ctx, &models.User{}, repo.Where("nickname = ?", nickname))
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrNicknameTaken
	}
	taken, err = s.db.Exists(ctx, &models.User{}, repo.Where("email = ?", email))
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Nickname: nickname, Email: email, PasswordHash: hash, IsActive: true}
	if err := s.db.Create(ctx, &user); err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Nickname: user.Nickname, Email: user.Email}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验邮箱密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.GetOne(ctx, &user, repo.Where("email = ?", email)); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(ctx, s.db, user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.Transaction(ctx, func(tx repo.Repository) error {
		rec, err := auth.ValidateRefreshToken(ctx, tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(ctx, tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(ctx, tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
