package chat

import "errors"

// 业务层通用错误，handler 根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrForbidden        = errors.New("forbidden")
	ErrMessageNotFound  = errors.New("message not found")
	ErrScheduledAtPast  = errors.New("scheduled_at must be in the future")
	ErrMissingScheduler = errors.New("tasks scheduler is required for this action but missing")
)
