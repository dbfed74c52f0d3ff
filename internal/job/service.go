package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"PluginShell/internal/bus"
	xerrors "PluginShell/internal/errors"
	"PluginShell/internal/observability/metrics"
	"PluginShell/pkg/logger"
)

// cancelTable 记录运行中作业的取消函数，由 Service 与 Processor 共享。
// worker 领取作业时登记，结束时注销；取消请求到达时按 ID 触发。
type cancelTable struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelTable() *cancelTable {
	return &cancelTable{cancels: make(map[string]context.CancelFunc)}
}

func (t *cancelTable) put(jobID string, cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancels[jobID] = cancel
	t.mu.Unlock()
}

func (t *cancelTable) remove(jobID string) {
	t.mu.Lock()
	delete(t.cancels, jobID)
	t.mu.Unlock()
}

func (t *cancelTable) cancel(jobID string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[jobID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// EnqueueRequest 描述一次入队请求。
type EnqueueRequest struct {
	Type        string
	Payload     map[string]any
	Owner       string
	MaxAttempts int
}

// Service 负责作业的注册、入队与查询。
type Service struct {
	store       Store
	producer    Producer
	bus         *bus.Bus
	maxAttempts int

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	cancels *cancelTable
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxAttempts 设置作业的默认最大尝试次数。
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, b *bus.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		producer:    producer,
		bus:         b,
		maxAttempts: 3,
		handlers:    make(map[string]HandlerFunc),
		cancels:     newCancelTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RegisterHandler 注册某一作业类型的处理器。重复注册时后注册者覆盖
// 先注册者，与能力注册表的语义一致。
func (s *Service) RegisterHandler(jobType string, handler HandlerFunc) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业类型不能为空")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "处理器不能为空")
	}
	s.handlersMu.Lock()
	s.handlers[jobType] = handler
	s.handlersMu.Unlock()
	return nil
}

func (s *Service) handlerFor(jobType string) (HandlerFunc, bool) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[jobType]
	s.handlersMu.RUnlock()
	return handler, ok
}

// HandlerTypes 返回当前已注册的作业类型，按注册表快照排序前返回。
func (s *Service) HandlerTypes() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	types := make([]string, 0, len(s.handlers))
	for jobType := range s.handlers {
		types = append(types, jobType)
	}
	return types
}

// Enqueue 创建一个新的作业并推送到队列。作业类型必须已注册处理器，
// 否则入队在此处即被拒绝，而不是等到执行时才失败。
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	j, err := s.buildJob(req, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	s.publishEvent(j, TopicJobQueued)
	if err := s.producer.Publish(ctx, j.ID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", j.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, j.ID, CodeJobPublish, wrapped.Error())
		if failed, getErr := s.store.Get(ctx, j.ID); getErr == nil {
			s.publishEvent(failed, TopicJobFailed)
		}
		return nil, wrapped
	}
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", j.ID),
		slog.String("type", j.Type),
		slog.String("owner", j.Owner),
		slog.Int("max_attempts", j.MaxAttempts),
	)
	return cloneJob(j), nil
}

// EnqueueBatch 原子地入队一组作业并返回批次。任何一个成员校验失败
// 时整个批次都不会入队。
func (s *Service) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) (*Batch, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	if len(reqs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批次不能为空")
	}

	batch := &Batch{ID: uuid.NewString()}
	jobs := make([]*Job, 0, len(reqs))
	for _, req := range reqs {
		j, err := s.buildJob(req, batch.ID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
		batch.JobIDs = append(batch.JobIDs, j.ID)
	}
	if err := s.store.CreateBatch(ctx, batch, jobs); err != nil {
		return nil, err
	}

	var publishErrs []error
	for _, j := range jobs {
		s.publishEvent(j, TopicJobQueued)
		if err := s.producer.Publish(ctx, j.ID); err != nil {
			logger.L().Error("批次成员入队失败",
				slog.Any("error", err),
				slog.String("job_id", j.ID),
				slog.String("batch_id", batch.ID),
			)
			wrapped := xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("批次成员 %s 发布失败", j.ID))
			_ = s.store.MarkFailed(ctx, j.ID, CodeJobPublish, wrapped.Error())
			if failed, getErr := s.store.Get(ctx, j.ID); getErr == nil {
				s.publishEvent(failed, TopicJobFailed)
			}
			publishErrs = append(publishErrs, wrapped)
		}
	}
	if len(publishErrs) > 0 {
		return batch, stdErrors.Join(publishErrs...)
	}
	logger.Audit().Info("批次入队成功",
		slog.String("batch_id", batch.ID),
		slog.Int("jobs", len(jobs)),
	)
	return batch, nil
}

func (s *Service) buildJob(req EnqueueRequest, batchID string) (*Job, error) {
	jobType := strings.TrimSpace(req.Type)
	if jobType == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "作业类型不能为空")
	}
	if _, ok := s.handlerFor(jobType); !ok {
		return nil, xerrors.New(CodeUnknownType, fmt.Sprintf("作业类型 %s 没有注册处理器", jobType))
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     clonePayload(req.Payload),
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		Owner:       req.Owner,
		BatchID:     batchID,
		CreatedAt:   time.Now().Unix(),
	}, nil
}

// Get 返回指定作业的状态快照。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// GetBatchStatus 返回批次的聚合状态与全部成员快照。
func (s *Service) GetBatchStatus(ctx context.Context, id string) (*BatchStatus, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(batch.JobIDs))
	for _, jobID := range batch.JobIDs {
		j, err := s.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return &BatchStatus{
		ID:     batch.ID,
		Status: DeriveBatchStatus(jobs),
		Jobs:   jobs,
	}, nil
}

// Cancel 请求取消作业。排队中的作业立即进入 cancelled 终态；运行中
// 的作业通过其上下文收到取消信号，由 worker 在处理器返回后收尾。
// 已经到达终态的作业返回 ErrJobCompleted。
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	j, cancelledNow, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return j, err
	}
	if cancelledNow {
		s.publishEvent(j, TopicJobCancelled)
		logger.Audit().Info("作业已取消", slog.String("job_id", id), slog.String("type", j.Type))
		return j, nil
	}
	if s.cancels.cancel(id) {
		logger.Audit().Info("已向运行中的作业发出取消信号",
			slog.String("job_id", id),
			slog.String("type", j.Type),
		)
	}
	return j, nil
}

// WaitFor 轮询等待作业到达终态。超时返回 ErrWaitTimeout，作业本身
// 不受影响继续执行。
func (s *Service) WaitFor(ctx context.Context, id string, timeout, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		if time.Now().After(deadline) {
			return j, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Service) publishEvent(j *Job, topic string) {
	if j == nil {
		return
	}
	metrics.ObserveJobTransition(j.Type, string(j.Status))
	if s.bus == nil {
		return
	}
	s.bus.PublishFrom(j.Owner, topic, eventOf(j))
}
