package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournal_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 5, 1, 13, 4, 5, 0, time.Local)
	j, err := OpenJournal(dir, "Solar", start)
	if err != nil {
		t.Fatalf("打开日志失败: %v", err)
	}
	if filepath.Base(j.Path()) != "log_Solar_20240501_130405.jsonl" {
		t.Errorf("文件名 %s", filepath.Base(j.Path()))
	}

	if err := j.Status("Filter wheel moved to position 3."); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(Entry{Type: EntryOperation, Device: "rotator", OpID: "abc", Message: "Moved to 90°"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("重复关闭: %v", err)
	}
	if err := j.Status("late"); err == nil {
		t.Error("关闭后写入应失败")
	}

	entries, err := ReadJournal(j.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("预期 2 条记录, 得到 %d", len(entries))
	}
	if entries[0].Type != EntryStatus || entries[1].Device != "rotator" || entries[1].OpID != "abc" {
		t.Errorf("记录内容错误: %+v", entries)
	}
}

func TestReadJournal_SkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	content := `{"type":"STATUS","message":"ok"}` + "\n" + `{"type":"STAT`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := ReadJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Message != "ok" {
		t.Errorf("得到 %+v", entries)
	}
}
