// Package sysinfo 是内建的系统信息插件，也充当插件接口的参考实现：
// 它注册工具、资源、作业处理器与守护进程各一份。
package sysinfo

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"PluginShell/internal/job"
	"PluginShell/pkg/plugin"
)

// TopicHeartbeat 是心跳守护进程发布的主题。
const TopicHeartbeat = "sysinfo:heartbeat"

// Heartbeat 是心跳事件的载荷。
type Heartbeat struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Goroutines    int   `json:"goroutines"`
}

// Plugin 实现 plugin.Plugin。
type Plugin struct {
	startedAt time.Time
	interval  time.Duration
	stop      chan struct{}
}

// New 创建 sysinfo 插件。
func New() *Plugin {
	return &Plugin{
		startedAt: time.Now(),
		interval:  30 * time.Second,
		stop:      make(chan struct{}),
	}
}

// ID 实现 plugin.Plugin。
func (p *Plugin) ID() string { return "sysinfo" }

// Register 注册全部能力。
func (p *Plugin) Register(ctx *plugin.Context) error {
	if raw, ok := ctx.Config()["heartbeat_interval_ms"].(float64); ok && raw > 0 {
		p.interval = time.Duration(raw) * time.Millisecond
	}

	if err := ctx.RegisterTool(plugin.Tool{
		Name:        "stats",
		Description: "返回进程的内存与协程统计信息",
		Visibility:  plugin.VisibilityTrusted,
		InputSchema: map[string]any{"type": "object"},
		Handler:     p.handleStats,
	}); err != nil {
		return err
	}

	if err := ctx.RegisterResource(plugin.Resource{
		Name:        "runtime",
		Description: "运行时环境信息",
		MIMEType:    "application/json",
		Visibility:  plugin.VisibilityPublic,
		Read:        p.readRuntime,
	}); err != nil {
		return err
	}

	if err := ctx.RegisterJobHandler("sysinfo.gc", p.handleGC); err != nil {
		return err
	}

	return ctx.RegisterDaemon("sysinfo.heartbeat", plugin.DaemonHooks{
		Start: func(_ context.Context) error {
			go p.heartbeatLoop(ctx)
			return nil
		},
		Stop: func(_ context.Context) error {
			close(p.stop)
			return nil
		},
		HealthCheck: func(_ context.Context) error {
			return nil
		},
	})
}

func (p *Plugin) handleStats(_ context.Context, _ map[string]any) (any, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     stats.HeapAlloc,
		"heap_objects":   stats.HeapObjects,
		"gc_cycles":      stats.NumGC,
		"uptime_seconds": int64(time.Since(p.startedAt).Seconds()),
	}, nil
}

func (p *Plugin) readRuntime(_ context.Context) (string, error) {
	info := map[string]any{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// handleGC 按需触发一次垃圾回收，作为作业处理器的参考实现。
func (p *Plugin) handleGC(ctx context.Context, _ *job.Job) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	before := heapAlloc()
	runtime.GC()
	after := heapAlloc()
	return map[string]any{
		"heap_before": before,
		"heap_after":  after,
	}, nil
}

func (p *Plugin) heartbeatLoop(ctx *plugin.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx.Publish(TopicHeartbeat, Heartbeat{
				UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
				Goroutines:    runtime.NumGoroutine(),
			})
		}
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
