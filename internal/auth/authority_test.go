package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/models"
)

// memStore 内存凭证存储，记录写入顺序供断言
type memStore struct {
	mu    sync.Mutex
	creds map[string]*models.Credential

	updateCalls int
	markedChats []string
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*models.Credential)}
}

func (s *memStore) put(c *models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.ChatID] = c
}

func (s *memStore) Get(_ context.Context, chatID string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[chatID]
	if !ok {
		return nil, fmt.Errorf("credential not found")
	}
	clone := *cred
	return &clone, nil
}

func (s *memStore) UpdateToken(_ context.Context, chatID, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[chatID]
	if !ok {
		return fmt.Errorf("credential not found")
	}
	cred.AccessToken = accessToken
	if refreshToken != "" {
		cred.RefreshToken = refreshToken
	}
	cred.AccessExpiresAt = &expiresAt
	cred.AuthInvalid = false
	s.updateCalls++
	return nil
}

func (s *memStore) MarkAuthInvalid(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.creds[chatID]; ok {
		cred.AuthInvalid = true
		cred.AccessToken = ""
	}
	s.markedChats = append(s.markedChats, chatID)
	return nil
}

func newAuthority(store CredentialStore, authHost string) *Authority {
	return NewAuthority(zap.NewNop(), store, authHost, "ownerapi", 60*time.Second)
}

func TestEnsureFreshSkipsNetworkWhenTokenFresh(t *testing.T) {
	store := newMemStore()
	expires := time.Now().Add(time.Hour)
	store.put(&models.Credential{
		ChatID:          "100",
		RefreshToken:    "rt",
		AccessToken:     "cached-token",
		AccessExpiresAt: &expires,
	})

	// authHost 指向不存在的地址，发起请求必然失败
	authority := newAuthority(store, "http://127.0.0.1:1")

	token, err := authority.EnsureFresh(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "cached-token", token)
}

func TestEnsureFreshRefreshesExpiredToken(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		require.Equal(t, "/oauth2/v3/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "ownerapi", r.PostForm.Get("client_id"))
		assert.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-at",
			"refresh_token": "new-rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	store := newMemStore()
	store.put(&models.Credential{ChatID: "100", RefreshToken: "old-rt"})
	authority := newAuthority(store, server.URL)

	token, err := authority.EnsureFresh(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "new-at", token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))

	// 返回前已落库，且 refresh token 完成轮换
	cred, err := store.Get(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "new-at", cred.AccessToken)
	assert.Equal(t, "new-rt", cred.RefreshToken)
	require.NotNil(t, cred.AccessExpiresAt)
	assert.True(t, cred.AccessExpiresAt.After(time.Now().Add(50*time.Minute)))
}

func TestConcurrentRefreshCoalesced(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "shared-at",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	store := newMemStore()
	store.put(&models.Credential{ChatID: "100", RefreshToken: "rt"})
	authority := newAuthority(store, server.URL)

	const workers = 10
	tokens := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = authority.EnsureFresh(context.Background(), "100")
		}(i)
	}
	wg.Wait()

	// 同一用户的并发调用共享同一次上游刷新
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-at", tokens[i])
	}
}

func TestRefreshRejectedMarksInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"login_required"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	store := newMemStore()
	store.put(&models.Credential{ChatID: "100", RefreshToken: "revoked"})
	authority := newAuthority(store, server.URL)

	_, err := authority.EnsureFresh(context.Background(), "100")
	require.Error(t, err)
	assert.True(t, IsInvalid(err))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"100"}, store.markedChats)
	assert.True(t, store.creds["100"].AuthInvalid)
}

func TestRefreshRateLimitedStaysRecoverable(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{"rate_limited", http.StatusTooManyRequests},
		{"request_timeout", http.StatusRequestTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "600")
				http.Error(w, "slow down", tc.status)
			}))
			defer server.Close()

			store := newMemStore()
			store.put(&models.Credential{ChatID: "100", RefreshToken: "rt"})
			authority := newAuthority(store, server.URL)

			// 认证主机限流不等于令牌被拒绝，会话必须存活
			_, err := authority.EnsureFresh(context.Background(), "100")
			require.Error(t, err)
			assert.False(t, IsInvalid(err))

			authErr, ok := AsAuthError(err)
			require.True(t, ok)
			assert.Equal(t, KindUpstreamUnavailable, authErr.Kind)

			store.mu.Lock()
			defer store.mu.Unlock()
			assert.Empty(t, store.markedChats)
			assert.False(t, store.creds["100"].AuthInvalid)
		})
	}
}

func TestEnsureFreshRejectsInvalidatedCredential(t *testing.T) {
	store := newMemStore()
	store.put(&models.Credential{ChatID: "100", RefreshToken: "rt", AuthInvalid: true})
	authority := newAuthority(store, "http://127.0.0.1:1")

	_, err := authority.EnsureFresh(context.Background(), "100")
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
}

func TestUpstreamErrorNotInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	store := newMemStore()
	store.put(&models.Credential{ChatID: "100", RefreshToken: "rt"})
	authority := newAuthority(store, server.URL)

	_, err := authority.EnsureFresh(context.Background(), "100")
	require.Error(t, err)
	assert.False(t, IsInvalid(err))

	authErr, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstreamUnavailable, authErr.Kind)

	// 暂时性失败不标记会话失效
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.markedChats)
}

func TestTokenExpiryFromJWTClaim(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	// expires_in 缺失时读取 JWT 的 exp claim
	assert.True(t, tokenExpiry(signed, 0).Equal(exp))

	// expires_in 优先于 exp claim
	got := tokenExpiry(signed, 600)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), got, 5*time.Second)

	// 两者都不可用时回退保守有效期
	got = tokenExpiry("not-a-jwt", 0)
	assert.WithinDuration(t, time.Now().Add(fallbackTokenTTL), got, 5*time.Second)
}
