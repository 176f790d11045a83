package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func openJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := NewJournal(path)
	if err != nil {
		t.Fatalf("打开运行日志失败: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestUnfinished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.journal")
	j := openJournal(t, path)

	if err := j.Begin("run-1", "E1-3"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := j.Begin("run-1", "E1-4"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := j.Done("run-1", "E1-3"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	got, err := j.Unfinished()
	if err != nil {
		t.Fatalf("Unfinished: %v", err)
	}
	if len(got) != 1 || got[0] != "E1-4" {
		t.Fatalf("E1-4 开始了但没走完, 实际 %v", got)
	}
}

func TestUnfinishedEmpty(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "runs.journal"))
	got, err := j.Unfinished()
	if err != nil {
		t.Fatalf("空日志不应报错: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("空日志没有未完成项: %v", got)
	}
}

// 扫描后还能继续追加，重复扫描结果一致
func TestUnfinishedThenAppend(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "runs.journal"))
	if err := j.Begin("run-1", "E2-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got, _ := j.Unfinished(); len(got) != 1 {
		t.Fatalf("扫描一: %v", got)
	}
	if err := j.Done("run-1", "E2-1"); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if got, _ := j.Unfinished(); len(got) != 0 {
		t.Errorf("补了 DONE 后应为空: %v", got)
	}
}

// 损坏的行跳过，其余行照常解析
func TestUnfinishedCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.journal")
	raw := `{"type":"BEGIN","plan_run":"r","vial":"E1-1","at":"2026-08-25T10:00:00Z"}
不是 json 的一行
{"type":"BEGIN","plan_run":"r","vial":"E1-2","at":"2026-08-25T10:01:00Z"}
{"type":"DONE","plan_run":"r","vial":"E1-1","at":"2026-08-25T10:02:00Z"}
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("准备日志文件: %v", err)
	}
	j := openJournal(t, path)
	got, err := j.Unfinished()
	if err != nil {
		t.Fatalf("Unfinished: %v", err)
	}
	if len(got) != 1 || got[0] != "E1-2" {
		t.Fatalf("坏行应被跳过, 只剩 E1-2: %v", got)
	}
}

// 同一样瓶在不同计划里独立记账
func TestUnfinishedPerRun(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "runs.journal"))
	j.Begin("run-1", "E1-3")
	j.Done("run-1", "E1-3")
	j.Begin("run-2", "E1-3")

	got, err := j.Unfinished()
	if err != nil {
		t.Fatalf("Unfinished: %v", err)
	}
	if len(got) != 1 || got[0] != "E1-3" {
		t.Fatalf("run-2 的 E1-3 未完成: %v", got)
	}
}
