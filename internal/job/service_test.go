package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PluginShell/internal/bus"
	xerrors "PluginShell/internal/errors"
)

// harness 把服务、处理器与内存队列组装成一个可运行的最小闭环。
type harness struct {
	bus     *bus.Bus
	store   *MemoryStore
	queue   *MemoryQueue
	service *Service
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, serviceOpts []ServiceOption, processorOpts []ProcessorOption) *harness {
	t.Helper()
	b := bus.New()
	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	service := NewService(store, queue, b, serviceOpts...)

	opts := append([]ProcessorOption{
		WithWorkerCount(2),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
	}, processorOpts...)
	processor := NewProcessor(service, queue, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("处理器异常退出: %v", err)
		}
	}()

	h := &harness{bus: b, store: store, queue: queue, service: service, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		_ = queue.Close()
	})
	return h
}

// topicRecorder 收集一组主题上的事件，供断言事件序列使用。
type topicRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordTopics(b *bus.Bus, topics ...string) *topicRecorder {
	rec := &topicRecorder{}
	for _, topic := range topics {
		b.Subscribe(topic, func(evt bus.Event) error {
			payload, ok := evt.Payload.(Event)
			if !ok {
				return nil
			}
			rec.mu.Lock()
			rec.events = append(rec.events, payload)
			rec.mu.Unlock()
			return nil
		})
	}
	return rec
}

func (r *topicRecorder) statuses(jobID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.events))
	for _, evt := range r.events {
		if evt.JobID == jobID {
			statuses = append(statuses, evt.Status)
		}
	}
	return statuses
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "nobody.home"})
	if xerrors.CodeOf(err) != CodeUnknownType {
		t.Fatalf("期望 UNKNOWN_JOB_TYPE, 实际 %v", err)
	}
}

func TestEnqueueAndProcessSucceeds(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := recordTopics(h.bus, TopicJobQueued, TopicJobStarted, TopicJobSucceeded)

	if err := h.service.RegisterHandler("echo", func(ctx context.Context, j *Job) (any, error) {
		return j.Payload["message"], nil
	}); err != nil {
		t.Fatalf("注册处理器失败: %v", err)
	}

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{
		Type:    "echo",
		Payload: map[string]any{"message": "hi"},
		Owner:   "tester",
	})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("期望成功终态, 实际 %s (%s)", done.Status, done.LastError)
	}
	if done.Result != "hi" {
		t.Fatalf("结果不符: %v", done.Result)
	}
	if done.Attempt != 1 {
		t.Fatalf("期望单次尝试, 实际 %d", done.Attempt)
	}

	waitUntil(t, func() bool {
		statuses := rec.statuses(j.ID)
		return len(statuses) == 3
	})
	statuses := rec.statuses(j.ID)
	want := []Status{StatusQueued, StatusRunning, StatusSucceeded}
	for i, status := range want {
		if statuses[i] != status {
			t.Fatalf("事件序列不符: %v", statuses)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := recordTopics(h.bus, TopicJobRequeued)

	var calls atomic.Int32
	_ = h.service.RegisterHandler("flaky", func(ctx context.Context, j *Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("第一次总是失败")
		}
		return "recovered", nil
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "flaky"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("期望重试后成功, 实际 %s (%s)", done.Status, done.LastError)
	}
	if done.Attempt != 2 {
		t.Fatalf("期望第二次尝试成功, 实际 %d", done.Attempt)
	}
	if len(rec.statuses(j.ID)) != 1 {
		t.Fatalf("期望恰好 1 次重新排队事件, 实际 %d", len(rec.statuses(j.ID)))
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, []ServiceOption{WithMaxAttempts(2)}, nil)

	_ = h.service.RegisterHandler("doomed", func(ctx context.Context, j *Job) (any, error) {
		return nil, errors.New("永远失败")
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "doomed"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("期望失败终态, 实际 %s", done.Status)
	}
	if done.Attempt != 2 {
		t.Fatalf("期望尝试 2 次, 实际 %d", done.Attempt)
	}
	if done.ErrorCode != string(CodeJobProcessing) {
		t.Fatalf("错误码不符: %s", done.ErrorCode)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, []ServiceOption{WithMaxAttempts(1)}, nil)

	_ = h.service.RegisterHandler("panicky", func(ctx context.Context, j *Job) (any, error) {
		panic("boom")
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "panicky"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("panic 的作业应当失败, 实际 %s", done.Status)
	}
}

func TestWaitForTimeout(t *testing.T) {
	h := newHarness(t, nil, nil)

	release := make(chan struct{})
	_ = h.service.RegisterHandler("slow", func(ctx context.Context, j *Job) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "slow"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	snapshot, err := h.service.WaitFor(context.Background(), j.ID, 30*time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("期望 ErrWaitTimeout, 实际 %v", err)
	}
	if snapshot == nil || snapshot.Status.Terminal() {
		t.Fatalf("超时时作业不应是终态: %+v", snapshot)
	}

	// 超时只放弃本次等待，作业继续执行到完成。
	close(release)
	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("二次等待失败: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("期望最终成功, 实际 %s", done.Status)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	b := bus.New()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, b)
	rec := recordTopics(b, TopicJobCancelled)

	_ = service.RegisterHandler("idle", func(ctx context.Context, j *Job) (any, error) {
		return nil, nil
	})

	// 没有处理器在消费，作业停留在排队状态。
	j, err := service.Enqueue(context.Background(), EnqueueRequest{Type: "idle"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	cancelled, err := service.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("期望立即取消, 实际 %s", cancelled.Status)
	}
	if len(rec.statuses(j.ID)) != 1 {
		t.Fatalf("期望 1 条取消事件, 实际 %d", len(rec.statuses(j.ID)))
	}

	if _, err := service.Cancel(context.Background(), j.ID); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("重复取消期望 ErrJobCompleted, 实际 %v", err)
	}
}

func TestCancelRunningJobCooperatively(t *testing.T) {
	h := newHarness(t, nil, nil)

	started := make(chan struct{})
	_ = h.service.RegisterHandler("longrun", func(ctx context.Context, j *Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "longrun"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("作业未开始执行")
	}

	if _, err := h.service.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("取消失败: %v", err)
	}

	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待取消完成失败: %v", err)
	}
	if done.Status != StatusCancelled {
		t.Fatalf("期望协作取消终态, 实际 %s (%s)", done.Status, done.LastError)
	}
}

func TestDuplicateDeliveryExecutesOnce(t *testing.T) {
	h := newHarness(t, nil, nil)

	var calls atomic.Int32
	_ = h.service.RegisterHandler("once", func(ctx context.Context, j *Job) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "once"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	if _, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond); err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}

	// 模拟队列的重复投递，领取失败后必须被静默跳过。
	if err := h.queue.Publish(context.Background(), j.ID); err != nil {
		t.Fatalf("重复投递失败: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("期望执行 1 次, 实际 %d", calls.Load())
	}
}

func TestEnqueueBatchAggregatesStatus(t *testing.T) {
	h := newHarness(t, []ServiceOption{WithMaxAttempts(1)}, nil)

	_ = h.service.RegisterHandler("member", func(ctx context.Context, j *Job) (any, error) {
		if fail, _ := j.Payload["fail"].(bool); fail {
			return nil, errors.New("指定失败")
		}
		return "ok", nil
	})

	batch, err := h.service.EnqueueBatch(context.Background(), []EnqueueRequest{
		{Type: "member"},
		{Type: "member", Payload: map[string]any{"fail": true}},
	})
	if err != nil {
		t.Fatalf("批次入队失败: %v", err)
	}
	if len(batch.JobIDs) != 2 {
		t.Fatalf("期望 2 个成员, 实际 %d", len(batch.JobIDs))
	}

	waitUntil(t, func() bool {
		status, err := h.service.GetBatchStatus(context.Background(), batch.ID)
		return err == nil && status.Status.Terminal()
	})

	status, err := h.service.GetBatchStatus(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("查询批次失败: %v", err)
	}
	if status.Status != StatusFailed {
		t.Fatalf("任一成员失败时批次应为失败, 实际 %s", status.Status)
	}
	if len(status.Jobs) != 2 {
		t.Fatalf("批次成员快照不全: %d", len(status.Jobs))
	}
}

func TestEnqueueBatchRejectsInvalidMember(t *testing.T) {
	h := newHarness(t, nil, nil)
	_ = h.service.RegisterHandler("member", func(ctx context.Context, j *Job) (any, error) {
		return nil, nil
	})

	_, err := h.service.EnqueueBatch(context.Background(), []EnqueueRequest{
		{Type: "member"},
		{Type: "ghost"},
	})
	if xerrors.CodeOf(err) != CodeUnknownType {
		t.Fatalf("期望 UNKNOWN_JOB_TYPE, 实际 %v", err)
	}

	// 整个批次都不应入队。
	stats, err := h.service.Stats(context.Background())
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("校验失败的批次不应留下作业: %+v", stats)
	}
}

func TestRegisterHandlerLastWriteWins(t *testing.T) {
	h := newHarness(t, nil, nil)

	_ = h.service.RegisterHandler("dup", func(ctx context.Context, j *Job) (any, error) {
		return "first", nil
	})
	_ = h.service.RegisterHandler("dup", func(ctx context.Context, j *Job) (any, error) {
		return "second", nil
	})

	j, err := h.service.Enqueue(context.Background(), EnqueueRequest{Type: "dup"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	done, err := h.service.WaitFor(context.Background(), j.ID, 5*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}
	if done.Result != "second" {
		t.Fatalf("后注册的处理器应当生效, 实际 %v", done.Result)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("条件在限期内未满足")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
