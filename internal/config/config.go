package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量，优先级高于命令行默认值。
const EnvConfigPath = "SHELL_CONFIG"

// Config 描述了插件外壳在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Jobs      JobsConfig      `json:"jobs"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Transport TransportConfig `json:"transport"`
	Plugins   PluginsConfig   `json:"plugins"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制巡检 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
}

// JobsConfig 控制作业队列的执行参数。
type JobsConfig struct {
	Workers        int    `json:"workers"`
	MaxAttempts    int    `json:"max_attempts"`
	RetryBaseMS    int    `json:"retry_base_ms"`
	RetryMaxMS     int    `json:"retry_max_ms"`
	WaitIntervalMS int    `json:"wait_interval_ms"`
	QueueSize      int    `json:"queue_size"`
	StoreDriver    string `json:"store_driver"`
}

// StorageConfig 统一描述后端存储的连接信息。
type StorageConfig struct {
	MySQLDSN string `json:"mysql_dsn"`
}

// QueueConfig 描述作业队列传输的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	Queue       string `json:"queue"`
	BlockWaitMS int    `json:"block_wait_ms"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// TransportConfig 控制对外的 MCP 传输层。
type TransportConfig struct {
	Stdio      bool   `json:"stdio"`
	TrustLevel string `json:"trust_level"`
}

// PluginsConfig 指向插件清单文件。
type PluginsConfig struct {
	ConfigPath string `json:"config_path"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	AuditPath string `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 解析指定路径的 JSON 配置文件。路径为空时回退到 SHELL_CONFIG
// 环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回单进程部署的默认配置，用于不提供配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.RetryBaseMS <= 0 {
		c.Jobs.RetryBaseMS = 1000
	}
	if c.Jobs.RetryMaxMS <= 0 {
		c.Jobs.RetryMaxMS = 60000
	}
	if c.Jobs.WaitIntervalMS <= 0 {
		c.Jobs.WaitIntervalMS = 50
	}
	if c.Jobs.QueueSize <= 0 {
		c.Jobs.QueueSize = 256
	}
	if c.Jobs.StoreDriver == "" {
		c.Jobs.StoreDriver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Redis.BlockWaitMS <= 0 {
		c.Queue.Redis.BlockWaitMS = 5000
	}

	if c.Transport.TrustLevel == "" {
		c.Transport.TrustLevel = "public"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Plugins.ConfigPath != "" && !filepath.IsAbs(c.Plugins.ConfigPath) {
		c.Plugins.ConfigPath = filepath.Join(baseDir, c.Plugins.ConfigPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// RetryBase 返回重试退避基准时长。
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Jobs.RetryBaseMS) * time.Millisecond
}

// RetryMax 返回重试退避上限时长。
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Jobs.RetryMaxMS) * time.Millisecond
}

// RedisBlockWait 返回 Redis BRPOP 的阻塞等待时长。
func (c *Config) RedisBlockWait() time.Duration {
	return time.Duration(c.Queue.Redis.BlockWaitMS) * time.Millisecond
}
