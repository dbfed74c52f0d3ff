package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"PluginShell/internal/bus"
	xerrors "PluginShell/internal/errors"
	"PluginShell/pkg/logger"
)

// State 表示守护进程的生命周期状态。
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// 守护进程生命周期事件的主题约定。
const (
	TopicDaemonStarted = "system:daemon:started"
	TopicDaemonStopped = "system:daemon:stopped"
	TopicDaemonFailed  = "system:daemon:failed"
	TopicDaemonHealth  = "system:daemon:health"
)

// HealthStatus 表示一次健康检查的结论。
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Health 是一次健康检查的结果。
type Health struct {
	DaemonID  string       `json:"daemon_id"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt int64        `json:"checked_at"`
}

// Hooks 定义守护进程接入监督者所需的回调。Start 应在启动完成后尽快
// 返回，长期运行的循环由守护进程自己用协程承载；Stop 负责让这些
// 协程退出。HealthCheck 可以为空，此时健康状态为 unknown。
type Hooks struct {
	Start       func(ctx context.Context) error
	Stop        func(ctx context.Context) error
	HealthCheck func(ctx context.Context) error
}

// Info 是守护进程的状态快照。
type Info struct {
	ID        string `json:"id"`
	Owner     string `json:"owner_plugin_id,omitempty"`
	State     State  `json:"state"`
	LastError string `json:"last_error,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
}

type entry struct {
	mu        sync.Mutex
	id        string
	owner     string
	hooks     Hooks
	state     State
	lastError string
	startedAt int64
}

func (e *entry) snapshot() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ID:        e.id,
		Owner:     e.owner,
		State:     e.state,
		LastError: e.lastError,
		StartedAt: e.startedAt,
	}
}

// Supervisor 管理全部守护进程的生命周期。
type Supervisor struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	order         []string
	bus           *bus.Bus
	log           *slog.Logger
	startTimeout  time.Duration
	stopTimeout   time.Duration
	healthTimeout time.Duration
	started       bool
}

// Option 定义可选配置。
type Option func(*Supervisor)

// WithBus 指定生命周期事件使用的总线。
func WithBus(b *bus.Bus) Option {
	return func(s *Supervisor) {
		s.bus = b
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeouts 设置启动、停止与健康检查的超时时间。
func WithTimeouts(start, stop, health time.Duration) Option {
	return func(s *Supervisor) {
		if start > 0 {
			s.startTimeout = start
		}
		if stop > 0 {
			s.stopTimeout = stop
		}
		if health > 0 {
			s.healthTimeout = health
		}
	}
}

// NewSupervisor 创建守护进程监督者。
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		entries:       make(map[string]*entry),
		startTimeout:  30 * time.Second,
		stopTimeout:   15 * time.Second,
		healthTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("daemon")
	}
	return s
}

// Register 登记一个守护进程。重复登记同一 ID 时后登记者覆盖先登记者，
// 但已经启动的守护进程不允许被覆盖。
func (s *Supervisor) Register(id, owner string, hooks Hooks) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "守护进程 ID 不能为空")
	}
	if hooks.Start == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("守护进程 %s 缺少 Start 回调", id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[id]; ok {
		existing.mu.Lock()
		state := existing.state
		existing.mu.Unlock()
		if state == StateRunning || state == StateStarting {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("守护进程 %s 正在运行，无法覆盖", id))
		}
		s.entries[id] = &entry{id: id, owner: owner, hooks: hooks, state: StateStopped}
		return nil
	}
	s.entries[id] = &entry{id: id, owner: owner, hooks: hooks, state: StateStopped}
	s.order = append(s.order, id)
	return nil
}

// StartAll 并发启动全部守护进程。单个守护进程的失败被记录为 error
// 状态并广播，不会阻止其他守护进程启动。重复调用只有第一次生效。
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	entries := s.snapshotEntries()
	s.mu.Unlock()

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failed []string
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := s.startOne(ctx, e); err != nil {
				failMu.Lock()
				failed = append(failed, e.id)
				failMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return xerrors.New(xerrors.CodeDaemonStart,
			fmt.Sprintf("守护进程启动失败: %s", strings.Join(failed, ", ")))
	}
	return nil
}

// Start 启动单个守护进程。
func (s *Supervisor) Start(ctx context.Context, id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return s.startOne(ctx, e)
}

func (s *Supervisor) startOne(ctx context.Context, e *entry) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning || e.state == StateStarting {
		return nil
	}
	e.state = StateStarting

	startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	err = s.invoke(startCtx, e.hooks.Start, e.id, "start")
	if err != nil {
		e.state = StateError
		e.lastError = err.Error()
		s.log.Error("守护进程启动失败",
			slog.String("daemon_id", e.id),
			slog.Any("error", err),
		)
		s.publish(TopicDaemonFailed, e)
		return xerrors.Wrap(xerrors.CodeDaemonStart, err, fmt.Sprintf("守护进程 %s 启动失败", e.id))
	}
	e.state = StateRunning
	e.lastError = ""
	e.startedAt = time.Now().Unix()
	s.log.Info("守护进程已启动", slog.String("daemon_id", e.id))
	s.publish(TopicDaemonStarted, e)
	return nil
}

// StopAll 并发停止全部守护进程，单个守护进程的停止耗时不会拖慢
// 其他守护进程。停止失败被记录并广播，返回值汇总失败的 ID。
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	entries := s.snapshotEntries()
	s.mu.Unlock()

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failed []string
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := s.stopOne(ctx, e); err != nil {
				failMu.Lock()
				failed = append(failed, e.id)
				failMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return xerrors.New(xerrors.CodeDaemonStop,
			fmt.Sprintf("守护进程停止失败: %s", strings.Join(failed, ", ")))
	}
	return nil
}

// Stop 停止单个守护进程。
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return s.stopOne(ctx, e)
}

func (s *Supervisor) stopOne(ctx context.Context, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning && e.state != StateError {
		return nil
	}
	e.state = StateStopping

	var err error
	if e.hooks.Stop != nil {
		stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
		err = s.invoke(stopCtx, e.hooks.Stop, e.id, "stop")
		cancel()
	}
	if err != nil {
		e.state = StateError
		e.lastError = err.Error()
		s.log.Error("守护进程停止失败",
			slog.String("daemon_id", e.id),
			slog.Any("error", err),
		)
		s.publish(TopicDaemonFailed, e)
		return err
	}
	e.state = StateStopped
	e.startedAt = 0
	s.log.Info("守护进程已停止", slog.String("daemon_id", e.id))
	s.publish(TopicDaemonStopped, e)
	return nil
}

// Restart 先停止再启动守护进程。
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	if err := s.stopOne(ctx, e); err != nil {
		return err
	}
	return s.startOne(ctx, e)
}

// HealthCheck 对单个守护进程执行健康检查，检查受超时约束。
func (s *Supervisor) HealthCheck(ctx context.Context, id string) (Health, error) {
	e, err := s.get(id)
	if err != nil {
		return Health{}, err
	}
	return s.checkOne(ctx, e), nil
}

// HealthCheckAll 对全部守护进程执行健康检查，结果按 ID 排序。
func (s *Supervisor) HealthCheckAll(ctx context.Context) []Health {
	s.mu.RLock()
	entries := s.snapshotEntries()
	s.mu.RUnlock()

	results := make([]Health, 0, len(entries))
	for _, e := range entries {
		results = append(results, s.checkOne(ctx, e))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].DaemonID < results[j].DaemonID })
	return results
}

func (s *Supervisor) checkOne(ctx context.Context, e *entry) Health {
	health := Health{DaemonID: e.id, CheckedAt: time.Now().Unix()}

	e.mu.Lock()
	state := e.state
	hook := e.hooks.HealthCheck
	e.mu.Unlock()

	if state != StateRunning {
		health.Status = HealthUnhealthy
		health.Message = fmt.Sprintf("守护进程处于 %s 状态", state)
		s.publishHealth(e, health)
		return health
	}
	if hook == nil {
		health.Status = HealthUnknown
		s.publishHealth(e, health)
		return health
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	err := s.invoke(checkCtx, hook, e.id, "health")
	cancel()
	if err != nil {
		health.Status = HealthUnhealthy
		health.Message = err.Error()
		s.log.Warn("守护进程健康检查失败",
			slog.String("daemon_id", e.id),
			slog.Any("error", err),
		)
	} else {
		health.Status = HealthHealthy
	}
	s.publishHealth(e, health)
	return health
}

// List 返回全部守护进程的状态快照，按登记顺序排列。
func (s *Supervisor) List() []Info {
	s.mu.RLock()
	entries := s.snapshotEntries()
	s.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.snapshot())
	}
	return infos
}

// invoke 执行回调并吸收 panic，单个守护进程的崩溃不能波及监督者。
func (s *Supervisor) invoke(ctx context.Context, fn func(ctx context.Context) error, id, stage string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("守护进程 %s 在 %s 阶段 panic: %v", id, stage, r)
		}
	}()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("守护进程 %s 在 %s 阶段 panic: %v", id, stage, r)
			}
		}()
		done <- fn(ctx)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// 调用方需持有 s.mu。
func (s *Supervisor) snapshotEntries() []*entry {
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func (s *Supervisor) get(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("守护进程 %s 不存在", id))
	}
	return e, nil
}

// 调用方需持有 e.mu，快照在锁内生成。
func (s *Supervisor) publish(topic string, e *entry) {
	if s.bus == nil {
		return
	}
	info := Info{ID: e.id, Owner: e.owner, State: e.state, LastError: e.lastError, StartedAt: e.startedAt}
	s.bus.PublishFrom(e.owner, topic, info)
}

func (s *Supervisor) publishHealth(e *entry, health Health) {
	if s.bus == nil {
		return
	}
	s.bus.PublishFrom(e.owner, TopicDaemonHealth, health)
}
