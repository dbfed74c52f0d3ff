package job

import (
	"strings"
	"testing"
)

func TestLoadMigrationFilesCoversSchema(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("加载迁移文件失败: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("迁移目录不应为空")
	}

	first := files[0]
	if first.version != "0001" {
		t.Fatalf("初始迁移版本不符: %s", first.version)
	}
	joined := strings.Join(first.statements, "\n")
	if !strings.Contains(joined, "shell_jobs") || !strings.Contains(joined, "shell_batches") {
		t.Fatalf("初始迁移缺少建表语句: %s", joined)
	}

	// 文件按版本号升序排列。
	for i := 1; i < len(files); i++ {
		if files[i-1].version > files[i].version {
			t.Fatalf("迁移顺序错乱: %s 在 %s 之前", files[i-1].name, files[i].name)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	if len(statements) != 2 {
		t.Fatalf("期望 2 条语句, 实际 %d", len(statements))
	}
	if !strings.HasPrefix(statements[1], "CREATE TABLE b") {
		t.Fatalf("语句切分不符: %q", statements[1])
	}
	if len(splitSQLStatements("  \n ; ; ")) != 0 {
		t.Fatal("空白内容不应产生语句")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_jobs.sql": "0001",
		"0002.sql":      "0002",
		"plain":         "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("%s: 期望 %s, 实际 %s", name, want, got)
		}
	}
}
