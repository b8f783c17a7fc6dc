package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/langchou/ordergazer/internal/models"
)

// 刷新响应缺少 expires_in 且 JWT 不可解析时的保守有效期
const fallbackTokenTTL = 8 * time.Hour

// CredentialStore 认证模块需要的凭证存取能力
type CredentialStore interface {
	Get(ctx context.Context, chatID string) (*models.Credential, error)
	UpdateToken(ctx context.Context, chatID, accessToken, refreshToken string, expiresAt time.Time) error
	MarkAuthInvalid(ctx context.Context, chatID string) error
}

// Authority 令牌管理器
// 保证同一用户任意时刻最多一个刷新请求在途，其余调用等待其结果
type Authority struct {
	logger     *zap.Logger
	store      CredentialStore
	httpClient *http.Client
	authHost   string
	clientID   string
	margin     time.Duration

	group singleflight.Group
}

// NewAuthority 创建令牌管理器
func NewAuthority(logger *zap.Logger, store CredentialStore, authHost, clientID string, margin time.Duration) *Authority {
	return &Authority{
		logger: logger,
		store:  store,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		authHost: authHost,
		clientID: clientID,
		margin:   margin,
	}
}

// EnsureFresh 返回一个在安全边界内有效的 access token
// 已有令牌足够新时不发起网络请求
func (a *Authority) EnsureFresh(ctx context.Context, chatID string) (string, error) {
	cred, err := a.store.Get(ctx, chatID)
	if err != nil {
		return "", &AuthError{Kind: KindInvalid, Message: fmt.Sprintf("no credential for %s: %v", chatID, err)}
	}
	if cred.AuthInvalid {
		return "", &AuthError{Kind: KindInvalid, Message: "refresh token marked invalid, re-login required"}
	}

	if cred.TokenFresh(a.margin, time.Now()) {
		return cred.AccessToken, nil
	}

	return a.refresh(ctx, chatID)
}

// ForceRefresh 跳过新鲜度检查，强制执行一次刷新
// API 返回 401 时由调度器调用，每个 tick 最多一次
func (a *Authority) ForceRefresh(ctx context.Context, chatID string) (string, error) {
	return a.refresh(ctx, chatID)
}

// refresh 按用户合并并发刷新请求
func (a *Authority) refresh(ctx context.Context, chatID string) (string, error) {
	token, err, _ := a.group.Do(chatID, func() (interface{}, error) {
		return a.doRefresh(ctx, chatID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// doRefresh 执行刷新令牌交换并在返回前持久化结果
func (a *Authority) doRefresh(ctx context.Context, chatID string) (string, error) {
	cred, err := a.store.Get(ctx, chatID)
	if err != nil {
		return "", &AuthError{Kind: KindInvalid, Message: fmt.Sprintf("no credential for %s: %v", chatID, err)}
	}

	// 等待锁期间可能已有并发刷新完成
	if cred.TokenFresh(a.margin, time.Now()) {
		return cred.AccessToken, nil
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", a.clientID)
	data.Set("refresh_token", cred.RefreshToken)
	data.Set("scope", "openid email offline_access")

	req, err := http.NewRequestWithContext(ctx, "POST", a.authHost+"/oauth2/v3/token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Kind: KindUpstreamUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		// 正常
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden:
		// 刷新令牌被拒绝，标记会话待重新登录
		// 限流、超时等其他 4xx 走下面的不可达分支，不终止会话
		if markErr := a.store.MarkAuthInvalid(ctx, chatID); markErr != nil {
			a.logger.Error("Failed to mark credential invalid", zap.Error(markErr), zap.String("chat_id", chatID))
		}
		a.logger.Warn("Refresh token rejected",
			zap.String("chat_id", chatID),
			zap.Int("status", resp.StatusCode))
		return "", &AuthError{Kind: KindInvalid, Message: fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(body))}
	default:
		return "", &AuthError{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(body))}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &AuthError{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf("decode token response: %v", err)}
	}
	if tokenResp.AccessToken == "" {
		return "", &AuthError{Kind: KindUpstreamUnavailable, Message: "token response without access_token"}
	}

	expiresAt := tokenExpiry(tokenResp.AccessToken, tokenResp.ExpiresIn)

	// 先落库再返回，崩溃后重启不会丢失已轮换的 refresh token
	if err := a.store.UpdateToken(ctx, chatID, tokenResp.AccessToken, tokenResp.RefreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	a.logger.Info("Refreshed access token",
		zap.String("chat_id", chatID),
		zap.Time("expires_at", expiresAt),
		zap.Bool("refresh_token_rotated", tokenResp.RefreshToken != ""))

	return tokenResp.AccessToken, nil
}

// tokenExpiry 计算 access token 过期时间
// 优先使用 expires_in，缺失时读取 JWT 的 exp claim
func tokenExpiry(accessToken string, expiresIn int) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	// Tesla 的 access token 是 JWT，expires_in 缺失时从 exp 取
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	return time.Now().Add(fallbackTokenTTL)
}
