package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/api/tesla"
	"github.com/langchou/ordergazer/internal/auth"
	"github.com/langchou/ordergazer/internal/detector"
	"github.com/langchou/ordergazer/internal/models"
	"github.com/langchou/ordergazer/internal/repository"
)

// 任务状态常量
const (
	StateIdle       = "idle"
	StateRunning    = "running"
	StateSuspended  = "suspended"
	StateTerminated = "terminated"
)

// 事件常量
const (
	eventTick      = "tick"
	eventFinish    = "finish"
	eventSuspend   = "suspend"
	eventResume    = "resume"
	eventTerminate = "terminate"
)

// task 单个用户的轮询任务
// 只有自身的 goroutine 执行 tick，天然保证同一用户不会有两个 tick 并发
type task struct {
	s      *Scheduler
	chatID string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	fsm      *fsm.FSM
	interval time.Duration
	backoff  time.Duration
	nextFire time.Time

	checkNow chan struct{}
	resumeCh chan struct{}
	rearmCh  chan struct{}
}

func newTask(s *Scheduler, chatID string, interval time.Duration) *task {
	ctx, cancel := context.WithCancel(s.baseCtx)

	t := &task{
		s:        s,
		chatID:   chatID,
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
		checkNow: make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
		rearmCh:  make(chan struct{}, 1),
	}

	t.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventTick, Src: []string{StateIdle}, Dst: StateRunning},
			{Name: eventFinish, Src: []string{StateRunning}, Dst: StateIdle},
			{Name: eventSuspend, Src: []string{StateRunning}, Dst: StateSuspended},
			{Name: eventResume, Src: []string{StateSuspended}, Dst: StateIdle},
			{Name: eventTerminate, Src: []string{StateIdle, StateRunning, StateSuspended}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					s.logger.Debug("Task state changed",
						zap.String("chat_id", chatID),
						zap.String("from", e.Src),
						zap.String("to", e.Dst))
				}
			},
		},
	)

	return t
}

// run 任务主循环，firstDelay 后执行首个 tick
func (t *task) run(firstDelay time.Duration) {
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()
	t.setNextFire(time.Now().Add(firstDelay))

	for {
		if t.currentState() == StateSuspended {
			// 暂停中不布防定时器，只响应显式恢复或终止
			select {
			case <-t.ctx.Done():
				t.trigger(eventTerminate)
				return
			case <-t.resumeCh:
				t.trigger(eventResume)
				t.s.logger.Info("Resumed polling", zap.String("chat_id", t.chatID))
				// 丢弃暂停期间积压的请求，恢复后立即轮询
				drain(t.rearmCh)
				drain(t.checkNow)
				resetTimer(timer, 0)
				t.setNextFire(time.Now())
			}
			continue
		}

		select {
		case <-t.ctx.Done():
			t.trigger(eventTerminate)
			return
		case <-t.rearmCh:
			// 间隔变更，重新布防
			resetTimer(timer, t.currentInterval())
			t.setNextFire(time.Now().Add(t.currentInterval()))
			continue
		case <-t.checkNow:
			stopTimer(timer)
		case <-timer.C:
		}

		next, terminated := t.tick()
		if terminated {
			t.s.remove(t.chatID)
			return
		}
		if t.currentState() == StateSuspended {
			continue
		}

		resetTimer(timer, next)
		t.setNextFire(time.Now().Add(next))
	}
}

// tick 执行一次轮询，返回下次执行的延迟和是否已终止
func (t *task) tick() (time.Duration, bool) {
	if err := t.trigger(eventTick); err != nil {
		return t.currentInterval(), false
	}

	ctx := t.ctx
	logger := t.s.logger.With(zap.String("chat_id", t.chatID))

	cred, err := t.s.store.Get(ctx, t.chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 登出竞态下凭证已删除
			logger.Warn("Credential missing, terminating task", zap.Error(err))
			t.trigger(eventTerminate)
			return 0, true
		}
		// 存储暂时读不到，退避后下个周期重试
		logger.Error("Failed to load credential", zap.Error(err))
		t.trigger(eventFinish)
		return t.nextBackoff(), false
	}

	token, err := t.s.tokens.EnsureFresh(ctx, t.chatID)
	if err != nil {
		return t.handleAuthError(logger, err)
	}

	snapshot, err := t.s.client.FetchSnapshot(ctx, token)
	if tesla.IsKind(err, tesla.ErrUnauthorized) {
		// 401 时强制刷新并重试，每个 tick 最多一次
		logger.Info("Access token rejected, forcing refresh")
		token, err = t.s.tokens.ForceRefresh(ctx, t.chatID)
		if err != nil {
			return t.handleAuthError(logger, err)
		}
		snapshot, err = t.s.client.FetchSnapshot(ctx, token)
		if tesla.IsKind(err, tesla.ErrUnauthorized) {
			err = &auth.AuthError{Kind: auth.KindExpired, Message: "api rejected freshly refreshed token"}
		}
	}
	if err != nil {
		if _, ok := auth.AsAuthError(err); ok {
			return t.handleAuthError(logger, err)
		}
		return t.handleAPIError(logger, err)
	}

	if ctx.Err() != nil {
		// 任务已取消，丢弃结果，不写入存储
		t.trigger(eventTerminate)
		return 0, true
	}

	changes := detector.Diff(cred.Snapshot, snapshot)

	if err := t.s.store.UpdateSnapshot(ctx, t.chatID, snapshot); err != nil {
		logger.Error("Failed to persist snapshot", zap.Error(err))
		t.s.notifier.NotifyError(t.chatID, models.ErrorStoreFailed)
		t.trigger(eventSuspend)
		return 0, false
	}

	if len(changes) > 0 {
		logger.Info("Detected order changes", zap.Int("count", len(changes)))
		t.s.notifier.Notify(t.chatID, changes)
	}

	t.resetBackoff()
	t.trigger(eventFinish)
	return t.currentInterval(), false
}

// handleAuthError 认证失败处理
// Invalid 终止会话；其余按瞬时失败退避，下个周期重试
func (t *task) handleAuthError(logger *zap.Logger, err error) (time.Duration, bool) {
	if auth.IsInvalid(err) {
		logger.Warn("Refresh token invalid, terminating session", zap.Error(err))
		t.s.notifier.NotifyError(t.chatID, models.ErrorAuthInvalid)
		t.trigger(eventTerminate)
		return 0, true
	}

	logger.Warn("Auth not recovered this tick", zap.Error(err))
	t.trigger(eventFinish)
	return t.nextBackoff(), false
}

// handleAPIError 按错误分类决定下一步
func (t *task) handleAPIError(logger *zap.Logger, err error) (time.Duration, bool) {
	apiErr, ok := tesla.AsAPIError(err)
	if !ok {
		// 响应解码等未分类错误，按瞬时失败处理
		logger.Warn("Poll failed", zap.Error(err))
		t.trigger(eventFinish)
		return t.nextBackoff(), false
	}

	switch apiErr.Kind {
	case tesla.ErrRateLimited:
		next := t.currentInterval()
		if apiErr.RetryAfter > next {
			next = apiErr.RetryAfter
		}
		logger.Warn("Rate limited by upstream",
			zap.Duration("retry_after", apiErr.RetryAfter),
			zap.Duration("next_fire_in", next))
		t.trigger(eventFinish)
		return next, false

	case tesla.ErrBlocked:
		// 上游拒绝客户端，暂停轮询等待显式恢复，避免继续撞墙
		logger.Error("Upstream blocked client, suspending", zap.Error(err))
		t.s.notifier.NotifyError(t.chatID, models.ErrorBlocked)
		t.trigger(eventSuspend)
		return 0, false

	case tesla.ErrPermanent:
		logger.Error("Permanent API failure, suspending", zap.Error(err))
		t.s.notifier.NotifyError(t.chatID, models.ErrorPermanent)
		t.trigger(eventSuspend)
		return 0, false

	default:
		logger.Warn("Transient poll failure", zap.Error(err))
		t.trigger(eventFinish)
		return t.nextBackoff(), false
	}
}

// terminate 外部取消（登出/停机）
func (t *task) terminate() {
	t.cancel()
}

// requestCheckNow 请求立即轮询，排队最多一次
func (t *task) requestCheckNow() {
	select {
	case t.checkNow <- struct{}{}:
	default:
	}
}

// requestResume 请求恢复暂停的任务
func (t *task) requestResume() {
	if t.currentState() != StateSuspended {
		return
	}
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}

func (t *task) setInterval(interval time.Duration) {
	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()

	select {
	case t.rearmCh <- struct{}{}:
	default:
	}
}

func (t *task) currentInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// nextBackoff 计算瞬时失败的退避间隔，封顶为用户自身的轮询间隔
func (t *task) nextBackoff() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.backoff <= 0 {
		t.backoff = t.s.opts.BackoffInitial
	} else {
		t.backoff = time.Duration(float64(t.backoff) * t.s.opts.BackoffFactor)
	}
	if t.backoff > t.interval {
		t.backoff = t.interval
	}
	return t.backoff
}

func (t *task) resetBackoff() {
	t.mu.Lock()
	t.backoff = 0
	t.mu.Unlock()
}

func (t *task) currentState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsm.Current()
}

func (t *task) trigger(event string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsm.Event(context.Background(), event)
}

func (t *task) setNextFire(at time.Time) {
	t.mu.Lock()
	t.nextFire = at
	t.mu.Unlock()
}

func (t *task) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		State:    t.fsm.Current(),
		Interval: t.interval,
		NextFire: t.nextFire,
	}
}

// resetTimer 排空后重新布防
func resetTimer(timer *time.Timer, d time.Duration) {
	stopTimer(timer)
	timer.Reset(d)
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
