package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/ordergazer/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("credential not found")

// CredentialRepository 用户凭证仓库
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository 创建凭证仓库
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `chat_id, refresh_token, COALESCE(access_token, ''), access_expires_at, poll_interval_sec, orders_snapshot, auth_invalid, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	cred := &models.Credential{}
	var intervalSec int64
	err := row.Scan(
		&cred.ChatID,
		&cred.RefreshToken,
		&cred.AccessToken,
		&cred.AccessExpiresAt,
		&intervalSec,
		&cred.Snapshot,
		&cred.AuthInvalid,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cred.PollInterval = time.Duration(intervalSec) * time.Second
	return cred, nil
}

// Get 获取用户凭证
func (r *CredentialRepository) Get(ctx context.Context, chatID string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE chat_id = $1`
	cred, err := scanCredential(r.db.Pool.QueryRow(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// Upsert 创建或更新用户凭证
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (chat_id, refresh_token, access_token, access_expires_at, poll_interval_sec, orders_snapshot, auth_invalid, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $8)
		ON CONFLICT (chat_id) DO UPDATE SET
			refresh_token = EXCLUDED.refresh_token,
			access_token = EXCLUDED.access_token,
			access_expires_at = EXCLUDED.access_expires_at,
			poll_interval_sec = EXCLUDED.poll_interval_sec,
			orders_snapshot = EXCLUDED.orders_snapshot,
			auth_invalid = EXCLUDED.auth_invalid,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`
	now := time.Now()
	err := r.db.Pool.QueryRow(ctx, query,
		cred.ChatID,
		cred.RefreshToken,
		cred.AccessToken,
		cred.AccessExpiresAt,
		int64(cred.PollInterval/time.Second),
		cred.Snapshot,
		cred.AuthInvalid,
		now,
	).Scan(&cred.CreatedAt)

	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	cred.UpdatedAt = now
	return nil
}

// Delete 删除用户凭证
func (r *CredentialRepository) Delete(ctx context.Context, chatID string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List 获取全部用户凭证，用于进程重启后重建会话
func (r *CredentialRepository) List(ctx context.Context) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY chat_id`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// UpdateToken 写入刷新得到的新令牌
// refreshToken 为空表示上游未轮换 refresh token，保留原值
func (r *CredentialRepository) UpdateToken(ctx context.Context, chatID, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE credentials SET
			access_token = $1,
			access_expires_at = $2,
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			auth_invalid = false,
			updated_at = NOW()
		WHERE chat_id = $4
	`
	tag, err := r.db.Pool.Exec(ctx, query, accessToken, expiresAt, refreshToken, chatID)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSnapshot 持久化最新订单快照
func (r *CredentialRepository) UpdateSnapshot(ctx context.Context, chatID string, snapshot models.OrdersSnapshot) error {
	query := `UPDATE credentials SET orders_snapshot = $1, updated_at = NOW() WHERE chat_id = $2`
	tag, err := r.db.Pool.Exec(ctx, query, snapshot, chatID)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInterval 更新轮询间隔
func (r *CredentialRepository) SetInterval(ctx context.Context, chatID string, interval time.Duration) error {
	query := `UPDATE credentials SET poll_interval_sec = $1, updated_at = NOW() WHERE chat_id = $2`
	tag, err := r.db.Pool.Exec(ctx, query, int64(interval/time.Second), chatID)
	if err != nil {
		return fmt.Errorf("set interval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAuthInvalid 标记刷新令牌已失效，等待用户重新登录
func (r *CredentialRepository) MarkAuthInvalid(ctx context.Context, chatID string) error {
	query := `UPDATE credentials SET auth_invalid = true, access_token = NULL, access_expires_at = NULL, updated_at = NOW() WHERE chat_id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, chatID); err != nil {
		return fmt.Errorf("mark auth invalid: %w", err)
	}
	return nil
}
