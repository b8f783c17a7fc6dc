package tesla

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind API 错误分类
type ErrorKind int

const (
	// ErrUnauthorized access token 失效，调用方可强制刷新后重试一次
	ErrUnauthorized ErrorKind = iota
	// ErrRateLimited 上游限流，RetryAfter 给出建议等待时间
	ErrRateLimited
	// ErrBlocked 上游拒绝客户端签名/版本，需要人工处理
	ErrBlocked
	// ErrTransient 网络错误或 5xx，可退避重试
	ErrTransient
	// ErrPermanent 其他不可恢复的 4xx
	ErrPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrRateLimited:
		return "rate_limited"
	case ErrBlocked:
		return "blocked"
	case ErrTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// APIError 带分类的 API 错误
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tesla api: %s (status=%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tesla api: %s: %s", e.Kind, e.Message)
}

// AsAPIError 提取 APIError
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsKind 检查错误是否为指定分类
func IsKind(err error, kind ErrorKind) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Kind == kind
}
