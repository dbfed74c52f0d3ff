package daemon

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

func countedHooks(started, stopped *atomic.Int32) Hooks {
	return Hooks{
		Start: func(ctx context.Context) error {
			started.Add(1)
			return nil
		},
		Stop: func(ctx context.Context) error {
			stopped.Add(1)
			return nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	s := NewSupervisor()
	if err := s.Register("", "p", Hooks{Start: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("空 ID 应当被拒绝")
	}
	if err := s.Register("d1", "p", Hooks{}); err == nil {
		t.Fatal("缺少 Start 回调应当被拒绝")
	}
}

func TestStartAllAndStopAll(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	s := NewSupervisor(WithBus(b))

	var lifecycleEvents atomic.Int32
	b.Subscribe(TopicDaemonStarted, func(evt bus.Event) error {
		lifecycleEvents.Add(1)
		return nil
	})
	b.Subscribe(TopicDaemonStopped, func(evt bus.Event) error {
		lifecycleEvents.Add(1)
		return nil
	})

	var started, stopped atomic.Int32
	_ = s.Register("d1", "p", countedHooks(&started, &stopped))
	_ = s.Register("d2", "p", countedHooks(&started, &stopped))

	if err := s.StartAll(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if started.Load() != 2 {
		t.Fatalf("期望启动 2 个, 实际 %d", started.Load())
	}
	for _, info := range s.List() {
		if info.State != StateRunning {
			t.Fatalf("守护进程 %s 未进入运行状态: %s", info.ID, info.State)
		}
	}

	// 重复启动只有第一次生效。
	if err := s.StartAll(ctx); err != nil {
		t.Fatalf("二次启动不应报错: %v", err)
	}
	if started.Load() != 2 {
		t.Fatalf("二次启动不应重复调用 Start: %d", started.Load())
	}

	if err := s.StopAll(ctx); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	if stopped.Load() != 2 {
		t.Fatalf("期望停止 2 个, 实际 %d", stopped.Load())
	}
	if lifecycleEvents.Load() != 4 {
		t.Fatalf("期望 4 条生命周期事件, 实际 %d", lifecycleEvents.Load())
	}
}

func TestStopAllStopsConcurrently(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor(WithTimeouts(time.Second, 500*time.Millisecond, time.Second))

	// 三个守护进程的 Stop 互相等待：只有并发停止时屏障才会放行，
	// 串行停止会让第一个 Stop 撞上停止超时。
	var entered sync.WaitGroup
	entered.Add(3)
	release := make(chan struct{})
	go func() {
		entered.Wait()
		close(release)
	}()

	var stopped atomic.Int32
	for _, id := range []string{"d1", "d2", "d3"} {
		hooks := Hooks{
			Start: func(ctx context.Context) error { return nil },
			Stop: func(ctx context.Context) error {
				entered.Done()
				select {
				case <-release:
					stopped.Add(1)
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}
		if err := s.Register(id, "p", hooks); err != nil {
			t.Fatalf("登记 %s 失败: %v", id, err)
		}
	}

	if err := s.StartAll(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if err := s.StopAll(ctx); err != nil {
		t.Fatalf("并发停止不应超时: %v", err)
	}
	if stopped.Load() != 3 {
		t.Fatalf("期望 3 个守护进程停止, 实际 %d", stopped.Load())
	}
}

func TestStopAllAggregatesFailures(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	var started, stopped atomic.Int32
	_ = s.Register("good", "p", countedHooks(&started, &stopped))
	_ = s.Register("bad", "p", Hooks{
		Start: func(ctx context.Context) error { return nil },
		Stop:  func(ctx context.Context) error { return errors.New("拒绝停止") },
	})

	if err := s.StartAll(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	err := s.StopAll(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeDaemonStop {
		t.Fatalf("期望 DAEMON_STOP 错误, 实际 %v", err)
	}
	if stopped.Load() != 1 {
		t.Fatal("失败的守护进程不应阻止其他守护进程停止")
	}
}

func TestStartFailureIsContained(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	s := NewSupervisor(WithBus(b))

	var failedEvents atomic.Int32
	b.Subscribe(TopicDaemonFailed, func(evt bus.Event) error {
		failedEvents.Add(1)
		return nil
	})

	var started, stopped atomic.Int32
	_ = s.Register("bad", "p", Hooks{
		Start: func(ctx context.Context) error { return errors.New("拒绝启动") },
	})
	_ = s.Register("good", "p", countedHooks(&started, &stopped))

	err := s.StartAll(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeDaemonStart {
		t.Fatalf("期望 DAEMON_START 错误, 实际 %v", err)
	}
	if started.Load() != 1 {
		t.Fatal("失败的守护进程不应阻止其他守护进程启动")
	}

	infos := s.List()
	states := map[string]State{}
	for _, info := range infos {
		states[info.ID] = info.State
	}
	if states["bad"] != StateError || states["good"] != StateRunning {
		t.Fatalf("状态不符: %v", states)
	}
	if failedEvents.Load() != 1 {
		t.Fatalf("期望 1 条失败事件, 实际 %d", failedEvents.Load())
	}
}

func TestStartPanicIsContained(t *testing.T) {
	s := NewSupervisor()
	_ = s.Register("panicky", "p", Hooks{
		Start: func(ctx context.Context) error { panic("boom") },
	})
	if err := s.Start(context.Background(), "panicky"); err == nil {
		t.Fatal("panic 应当转换为错误")
	}
	infos := s.List()
	if infos[0].State != StateError {
		t.Fatalf("期望 error 状态, 实际 %s", infos[0].State)
	}
}

func TestStartTimeout(t *testing.T) {
	s := NewSupervisor(WithTimeouts(20*time.Millisecond, time.Second, time.Second))
	_ = s.Register("hang", "p", Hooks{
		Start: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err := s.Start(context.Background(), "hang"); err == nil {
		t.Fatal("超时的启动应当失败")
	}
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	var started, stopped atomic.Int32
	_ = s.Register("d1", "p", countedHooks(&started, &stopped))

	if err := s.Start(ctx, "d1"); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if err := s.Restart(ctx, "d1"); err != nil {
		t.Fatalf("重启失败: %v", err)
	}
	if started.Load() != 2 || stopped.Load() != 1 {
		t.Fatalf("重启计数不符: started=%d stopped=%d", started.Load(), stopped.Load())
	}
}

func TestRegisterRunningDaemonRejected(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()
	_ = s.Register("d1", "p", Hooks{Start: func(ctx context.Context) error { return nil }})
	if err := s.Start(ctx, "d1"); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	err := s.Register("d1", "p", Hooks{Start: func(ctx context.Context) error { return nil }})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("运行中的守护进程不应被覆盖: %v", err)
	}
}

func TestHealthCheckStates(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor(WithTimeouts(time.Second, time.Second, 20*time.Millisecond))

	healthy := Hooks{
		Start:       func(ctx context.Context) error { return nil },
		HealthCheck: func(ctx context.Context) error { return nil },
	}
	sick := Hooks{
		Start:       func(ctx context.Context) error { return nil },
		HealthCheck: func(ctx context.Context) error { return errors.New("磁盘已满") },
	}
	silent := Hooks{
		Start: func(ctx context.Context) error { return nil },
	}

	_ = s.Register("healthy", "p", healthy)
	_ = s.Register("sick", "p", sick)
	_ = s.Register("silent", "p", silent)
	_ = s.Register("stopped", "p", healthy)

	_ = s.Start(ctx, "healthy")
	_ = s.Start(ctx, "sick")
	_ = s.Start(ctx, "silent")

	results := s.HealthCheckAll(ctx)
	byID := map[string]HealthStatus{}
	for _, h := range results {
		byID[h.DaemonID] = h.Status
	}
	if byID["healthy"] != HealthHealthy {
		t.Fatalf("healthy 结果不符: %v", byID)
	}
	if byID["sick"] != HealthUnhealthy {
		t.Fatalf("sick 结果不符: %v", byID)
	}
	if byID["silent"] != HealthUnknown {
		t.Fatalf("silent 结果不符: %v", byID)
	}
	if byID["stopped"] != HealthUnhealthy {
		t.Fatalf("未运行的守护进程应为 unhealthy: %v", byID)
	}
}

func TestHealthCheckUnknownDaemon(t *testing.T) {
	s := NewSupervisor()
	_, err := s.HealthCheck(context.Background(), "ghost")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("期望 NOT_FOUND, 实际 %v", err)
	}
}
