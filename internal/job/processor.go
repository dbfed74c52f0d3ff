package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"PluginShell/internal/bus"
	xerrors "PluginShell/internal/errors"
	"PluginShell/internal/observability/alerting"
	"PluginShell/internal/observability/metrics"
	"PluginShell/pkg/logger"
)

// Processor 负责从队列消费作业 ID，领取后交给对应类型的处理器执行。
// 至多一次执行由 Store.Claim 的原子转移保证，重复投递在这里被跳过。
type Processor struct {
	service     *Service
	store       Store
	consumer    Consumer
	producer    Producer
	bus         *bus.Bus
	workerCount int
	retryBase   time.Duration
	retryMax    time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryBackoff 设置重试退避的基准与上限。
func WithRetryBackoff(base, max time.Duration) ProcessorOption {
	return func(p *Processor) {
		if base > 0 {
			p.retryBase = base
		}
		if max > 0 {
			p.retryMax = max
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。store、producer 与 bus 复用 service 的
// 配置，确保事件与状态出自同一来源。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 4,
		retryBase:   time.Second,
		retryMax:    time.Minute,
	}
	if service != nil {
		p.store = service.store
		p.producer = service.producer
		p.bus = service.bus
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动作业处理循环，直到上下文被取消才返回。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	j, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, errCancelledOnClaim) && j != nil {
			// 领取时发现取消标志，作业在此转为终态。
			p.publishEvent(j, TopicJobCancelled)
			return nil
		}
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobCancelled) || stdErrors.Is(err, ErrJobConflict) ||
			stdErrors.Is(err, ErrJobExhausted) {
			p.logDebug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}
	p.publishEvent(j, TopicJobStarted)

	handler, ok := p.service.handlerFor(j.Type)
	if !ok {
		wrapped := xerrors.New(CodeUnknownType, fmt.Sprintf("作业类型 %s 没有注册处理器", j.Type))
		if storeErr := p.store.MarkFailed(ctx, j.ID, CodeUnknownType, wrapped.Error()); storeErr != nil {
			return storeErr
		}
		p.publishTerminal(ctx, j.ID)
		p.emitAlert(ctx, j, CodeUnknownType, wrapped, "dispatch")
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.service.cancels.put(j.ID, cancel)
	result, execErr := p.invoke(jobCtx, handler, j)
	p.service.cancels.remove(j.ID)
	cancel()

	if execErr != nil {
		if p.finishCancelled(ctx, j, execErr) {
			return nil
		}
		return p.handleExecutionFailure(ctx, j, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, j.ID, result); err != nil {
		logger.L().Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		return err
	}
	p.publishTerminal(ctx, j.ID)
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", j.ID),
		slog.String("type", j.Type),
		slog.Int("attempt", j.Attempt),
	)
	return nil
}

// invoke 执行处理器并吸收 panic，单个作业的崩溃不能影响 worker。
func (p *Processor) invoke(ctx context.Context, handler HandlerFunc, j *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeJobProcessing, fmt.Sprintf("处理器 panic: %v", r))
		}
	}()
	return handler(ctx, cloneJob(j))
}

// finishCancelled 在处理器因取消信号退出时将作业收尾为 cancelled。
// 返回 true 表示取消流程已经处理完毕。
func (p *Processor) finishCancelled(ctx context.Context, j *Job, execErr error) bool {
	if !stdErrors.Is(execErr, context.Canceled) {
		return false
	}
	fresh, err := p.store.Get(ctx, j.ID)
	if err != nil || !fresh.CancelRequested {
		return false
	}
	if err := p.store.MarkCancelled(ctx, j.ID); err != nil {
		logger.L().Error("标记作业取消状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		return true
	}
	p.publishTerminal(ctx, j.ID)
	logger.Audit().Info("作业已协作取消",
		slog.String("job_id", j.ID),
		slog.String("type", j.Type),
		slog.Int("attempt", j.Attempt),
	)
	return true
}

func (p *Processor) handleExecutionFailure(ctx context.Context, j *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	terminal := j.Attempt >= j.MaxAttempts

	if terminal {
		if storeErr := p.store.MarkFailed(ctx, j.ID, code, execErr.Error()); storeErr != nil {
			logger.L().Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
			return storeErr
		}
		p.publishTerminal(ctx, j.ID)
		logger.Audit().Warn("作业重试耗尽",
			slog.String("job_id", j.ID),
			slog.String("type", j.Type),
			slog.String("error", execErr.Error()),
			slog.String("error_code", string(code)),
			slog.Int("attempt", j.Attempt),
			slog.Int("max_attempts", j.MaxAttempts),
		)
		p.emitAlert(ctx, j, code, execErr, "terminal")
		return nil
	}

	if storeErr := p.store.Requeue(ctx, j.ID, code, execErr.Error()); storeErr != nil {
		logger.L().Error("作业重新排队出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
		return storeErr
	}
	requeued, err := p.store.Get(ctx, j.ID)
	if err == nil {
		p.publishEvent(requeued, TopicJobRequeued)
	}

	delay := p.backoff(j.Attempt)
	logger.Audit().Warn("作业执行失败，稍后重试",
		slog.String("job_id", j.ID),
		slog.String("type", j.Type),
		slog.String("error", execErr.Error()),
		slog.Int("attempt", j.Attempt),
		slog.Duration("backoff", delay),
	)
	p.emitAlert(ctx, j, code, execErr, "retry")

	jobID := j.ID
	time.AfterFunc(delay, func() {
		if pubErr := p.producer.Publish(context.Background(), jobID); pubErr != nil {
			logger.L().Error("重试投递失败", slog.Any("error", pubErr), slog.String("job_id", jobID))
		}
	})
	return nil
}

// backoff 按尝试次数计算指数退避，封顶于 retryMax。
func (p *Processor) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.retryMax {
			return p.retryMax
		}
	}
	if delay > p.retryMax {
		return p.retryMax
	}
	return delay
}

// publishTerminal 读取终态快照并广播对应主题的事件。
func (p *Processor) publishTerminal(ctx context.Context, jobID string) {
	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	p.publishEvent(j, topicOf(j.Status))
}

func (p *Processor) publishEvent(j *Job, topic string) {
	if j == nil {
		return
	}
	metrics.ObserveJobTransition(j.Type, string(j.Status))
	if p.bus == nil {
		return
	}
	p.bus.PublishFrom(j.Owner, topic, eventOf(j))
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, j *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || j == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		JobID:       j.ID,
		JobType:     j.Type,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", j.ID),
			slog.String("stage", stage),
		)
	}
}
