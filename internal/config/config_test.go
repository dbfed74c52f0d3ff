package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shell.json")
	raw := `{
  "server": {"enabled": true},
  "queue": {"driver": "redis", "redis": {"address": "127.0.0.1:6379"}},
  "plugins": {"config_path": "plugins.yaml"}
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Jobs.Workers != 4 || cfg.Jobs.MaxAttempts != 3 {
		t.Fatalf("作业默认值不符: %+v", cfg.Jobs)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Address != "127.0.0.1:6379" {
		t.Fatalf("队列配置不符: %+v", cfg.Queue)
	}
	if cfg.Transport.TrustLevel != "public" {
		t.Fatalf("默认信任级别不符: %s", cfg.Transport.TrustLevel)
	}
	// 相对路径相对于配置文件所在目录解析。
	if cfg.Plugins.ConfigPath != filepath.Join(dir, "plugins.yaml") {
		t.Fatalf("插件清单路径不符: %s", cfg.Plugins.ConfigPath)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("数据目录不符: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingOrInvalid(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("缺失文件应当报错")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("非法 JSON 应当报错")
	}
}

func TestLoadFallsBackToEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shell.json")
	_ = os.WriteFile(path, []byte(`{}`), 0o644)
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("环境变量回退失败: %v", err)
	}
	if cfg.Jobs.StoreDriver != "memory" {
		t.Fatalf("默认存储驱动不符: %s", cfg.Jobs.StoreDriver)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.RetryBase() != time.Second {
		t.Fatalf("重试基准不符: %v", cfg.RetryBase())
	}
	if cfg.RetryMax() != time.Minute {
		t.Fatalf("重试上限不符: %v", cfg.RetryMax())
	}
	if cfg.RedisBlockWait() != 5*time.Second {
		t.Fatalf("阻塞等待不符: %v", cfg.RedisBlockWait())
	}
}
