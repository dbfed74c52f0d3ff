package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"PluginShell/internal/api"
	"PluginShell/internal/bus"
	"PluginShell/internal/config"
	"PluginShell/internal/daemon"
	"PluginShell/internal/job"
	"PluginShell/internal/mcpserver"
	"PluginShell/internal/observability/metrics"
	"PluginShell/internal/plugins/sysinfo"
	"PluginShell/internal/registry"
	"PluginShell/pkg/logger"
	"PluginShell/pkg/plugin"
)

// main 是插件外壳守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("shelld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "shell.json")
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	b := bus.New(bus.WithLogger(logger.Named("bus")))
	reg := registry.New(b)

	var store job.Store
	switch cfg.Jobs.StoreDriver {
	case "", "memory":
		store = job.NewMemoryStore()
	case "mysql":
		mysqlStore, err := job.NewMySQLStore(cfg.Storage.MySQLDSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Jobs.StoreDriver)
	}

	var queue job.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = job.NewMemoryQueue(cfg.Jobs.QueueSize)
	case "redis":
		redisQueue, err := job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.RedisBlockWait(),
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}

	jobs := job.NewService(store, queue, b, job.WithMaxAttempts(cfg.Jobs.MaxAttempts))
	defer func() {
		if err := jobs.Close(); err != nil {
			log.Printf("关闭作业服务失败: %v", err)
		}
	}()

	supervisor := daemon.NewSupervisor(
		daemon.WithBus(b),
		daemon.WithLogger(logger.Named("daemon")),
	)

	manager := plugin.NewManager(reg, jobs, supervisor, b,
		plugin.WithManagerLogger(logger.Named("plugin")),
	)

	// 内建插件以最高信任级别注册。
	if err := manager.Register(sysinfo.New(), plugin.VisibilityAnchor, nil); err != nil {
		return err
	}

	if cfg.Plugins.ConfigPath != "" {
		pluginCfg, err := plugin.LoadConfig(cfg.Plugins.ConfigPath)
		if err != nil {
			return err
		}
		if err := manager.LoadConfigured(pluginCfg); err != nil {
			return err
		}
	}

	if err := manager.RegisterAll(ctx); err != nil {
		logger.L().Warn("部分插件注册失败", "error", err)
	}

	processor := job.NewProcessor(jobs, queue,
		job.WithWorkerCount(cfg.Jobs.Workers),
		job.WithRetryBackoff(cfg.RetryBase(), cfg.RetryMax()),
		job.WithProcessorLogger(logger.Named("job")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("作业处理器异常退出", "error", err)
		}
	}()

	if err := manager.StartDaemons(ctx); err != nil {
		logger.L().Warn("部分守护进程启动失败", "error", err)
	}

	trustLevel, err := registry.ParseVisibility(cfg.Transport.TrustLevel)
	if err != nil {
		logger.L().Warn("信任级别无法解析，回退到 public", "error", err)
	}
	mcp := mcpserver.New(reg, b, trustLevel, mcpserver.WithLogger(logger.Named("mcp")))
	mcp.Start()
	defer mcp.Stop()

	errCh := make(chan error, 2)

	if cfg.Server.Enabled {
		apiServer := api.NewServer(cfg.Server.Address, jobs, manager, supervisor, reg,
			api.WithMetricsHandler(metrics.Handler()),
		)
		go func() {
			errCh <- apiServer.Start(ctx)
		}()
	}

	if cfg.Transport.Stdio {
		go func() {
			errCh <- mcp.ServeStdio()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			shutdown(manager)
			return err
		}
	}

	shutdown(manager)
	return nil
}

// shutdown 给插件与守护进程留出收尾窗口，信号上下文此时已经取消。
func shutdown(manager *plugin.Manager) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.L().Error("插件停机未完全成功", "error", err)
	}
}
