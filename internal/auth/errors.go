package auth

import (
	"errors"
	"fmt"
)

// ErrorKind 认证错误分类
type ErrorKind int

const (
	// KindInvalid 刷新令牌被上游拒绝，用户必须重新登录
	KindInvalid ErrorKind = iota
	// KindExpired access token 失效且本轮刷新未能恢复
	KindExpired
	// KindUpstreamUnavailable 认证服务不可达或 5xx
	KindUpstreamUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindExpired:
		return "expired"
	default:
		return "upstream_unavailable"
	}
}

// AuthError 认证失败
type AuthError struct {
	Kind    ErrorKind
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Message)
}

// AsAuthError 提取 AuthError
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// IsInvalid 检查是否为刷新令牌失效
func IsInvalid(err error) bool {
	authErr, ok := AsAuthError(err)
	return ok && authErr.Kind == KindInvalid
}
