// Package scheduler 管理每用户一个的轮询任务
// 注册表 + 定时任务，进程重启后可由持久化凭证重建
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/models"
)

// TokenSource 为轮询提供新鲜的 access token
type TokenSource interface {
	EnsureFresh(ctx context.Context, chatID string) (string, error)
	ForceRefresh(ctx context.Context, chatID string) (string, error)
}

// OrdersClient 拉取订单快照
type OrdersClient interface {
	FetchSnapshot(ctx context.Context, accessToken string) (models.OrdersSnapshot, error)
}

// CredentialStore 调度器需要的凭证存取能力
type CredentialStore interface {
	Get(ctx context.Context, chatID string) (*models.Credential, error)
	List(ctx context.Context) ([]*models.Credential, error)
	UpdateSnapshot(ctx context.Context, chatID string, snapshot models.OrdersSnapshot) error
}

// Notifier 通知出口，由聊天层实现
type Notifier interface {
	Notify(chatID string, changes []models.Change)
	NotifyError(chatID string, kind models.ErrorKind)
}

// Options 调度参数
type Options struct {
	DefaultInterval time.Duration // 未指定时的轮询间隔
	BackoffInitial  time.Duration // 瞬时失败的初始退避
	BackoffFactor   float64       // 退避倍率
	FirstTickDelay  time.Duration // 任务注册后首次执行的延迟
}

func (o *Options) withDefaults() {
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = 30 * time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 30 * time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2.0
	}
	if o.FirstTickDelay <= 0 {
		o.FirstTickDelay = 10 * time.Second
	}
}

// Scheduler 会话注册表与轮询调度器
type Scheduler struct {
	logger   *zap.Logger
	opts     Options
	store    CredentialStore
	tokens   TokenSource
	client   OrdersClient
	notifier Notifier

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New 创建调度器
func New(logger *zap.Logger, store CredentialStore, tokens TokenSource, client OrdersClient, notifier Notifier, opts Options) *Scheduler {
	opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:   logger,
		opts:     opts,
		store:    store,
		tokens:   tokens,
		client:   client,
		notifier: notifier,
		tasks:    make(map[string]*task),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register 为用户创建并启动轮询任务，幂等
func (s *Scheduler) Register(chatID string, interval time.Duration) {
	if interval <= 0 {
		interval = s.opts.DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[chatID]; ok {
		// 已注册时仅更新间隔
		existing.setInterval(interval)
		return
	}

	t := newTask(s, chatID, interval)
	s.tasks[chatID] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.run(s.opts.FirstTickDelay)
	}()

	s.logger.Info("Registered polling task",
		zap.String("chat_id", chatID),
		zap.Duration("interval", interval))
}

// Unregister 取消任务并从注册表移除
// 在途的网络请求会随任务 context 取消，其结果被丢弃而不落库
func (s *Scheduler) Unregister(chatID string) {
	s.mu.Lock()
	t, ok := s.tasks[chatID]
	if ok {
		delete(s.tasks, chatID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	t.terminate()
	s.logger.Info("Unregistered polling task", zap.String("chat_id", chatID))
}

// remove 任务自行终止时从注册表摘除（认证失效路径）
func (s *Scheduler) remove(chatID string) {
	s.mu.Lock()
	delete(s.tasks, chatID)
	s.mu.Unlock()
}

// Replay 读取全部持久化凭证并重建任务，进程启动时调用
func (s *Scheduler) Replay(ctx context.Context) error {
	creds, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	restored := 0
	for _, cred := range creds {
		if cred.AuthInvalid {
			s.logger.Warn("Skipping user pending re-login", zap.String("chat_id", cred.ChatID))
			continue
		}
		s.Register(cred.ChatID, cred.PollInterval)
		restored++
	}

	s.logger.Info("Restored polling tasks", zap.Int("count", restored))
	return nil
}

// CheckNow 请求立即执行一次轮询
// 当前 tick 执行中时合并为之后的恰好一次，不会并发抓取
func (s *Scheduler) CheckNow(chatID string) error {
	t, ok := s.get(chatID)
	if !ok {
		return fmt.Errorf("no active task for %s", chatID)
	}
	t.requestCheckNow()
	return nil
}

// SetInterval 更新任务的运行时轮询间隔
func (s *Scheduler) SetInterval(chatID string, interval time.Duration) error {
	t, ok := s.get(chatID)
	if !ok {
		return fmt.Errorf("no active task for %s", chatID)
	}
	t.setInterval(interval)
	return nil
}

// Resume 将 suspended 任务恢复轮询，属于显式外部动作
func (s *Scheduler) Resume(chatID string) error {
	t, ok := s.get(chatID)
	if !ok {
		return fmt.Errorf("no active task for %s", chatID)
	}
	t.requestResume()
	return nil
}

// TaskStatus 任务运行状态
type TaskStatus struct {
	State    string        `json:"state"`
	Interval time.Duration `json:"interval"`
	NextFire time.Time     `json:"next_fire,omitempty"`
}

// Status 查询任务状态，未注册时返回 false
func (s *Scheduler) Status(chatID string) (TaskStatus, bool) {
	t, ok := s.get(chatID)
	if !ok {
		return TaskStatus{}, false
	}
	return t.status(), true
}

// Shutdown 取消全部任务并等待退出
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) get(chatID string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[chatID]
	return t, ok
}
