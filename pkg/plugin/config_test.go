package plugin

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	raw := `plugins:
  - id: echo
    enabled: true
    path: ./echo.so
    visibility: trusted
    config:
      prefix: "echo: "
  - id: extra
    enabled: false
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if len(cfg.Plugins) != 2 {
		t.Fatalf("期望 2 个条目, 实际 %d", len(cfg.Plugins))
	}
	entry := cfg.Plugins[0]
	if entry.ID != "echo" || !entry.Enabled || entry.Path != "./echo.so" || entry.Visibility != "trusted" {
		t.Fatalf("条目解析不符: %+v", entry)
	}
	if prefix, _ := entry.Config["prefix"].(string); prefix != "echo: " {
		t.Fatalf("插件配置解析不符: %q", prefix)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("缺失文件应当报错")
	}
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("空路径应当报错")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Plugins: []Entry{{ID: "a", Enabled: true, Path: "a.so"}}}, true},
		{"empty id", Config{Plugins: []Entry{{Enabled: true, Path: "a.so"}}}, false},
		{"duplicate id", Config{Plugins: []Entry{{ID: "a"}, {ID: "a"}}}, false},
		{"enabled without path", Config{Plugins: []Entry{{ID: "a", Enabled: true}}}, false},
		{"disabled without path", Config{Plugins: []Entry{{ID: "a"}}}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: 不应报错: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: 应当报错", tc.name)
		}
	}
}
