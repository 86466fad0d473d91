package service

import "errors"

// 账号与聊天室管理的业务错误，handler 据此映射 HTTP 状态码。
var (
	ErrNicknameTaken      = errors.New("nickname taken")
	ErrEmailTaken         = errors.New("email taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRoomNotFound       = errors.New("room not found")
	ErrAlreadyMember      = errors.New("already a member")
)
