package robot

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestListPrograms(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("建目录失败: %v", err)
		}
		if err := os.WriteFile(path, []byte("urp"), 0644); err != nil {
			t.Fatalf("写文件失败: %v", err)
		}
	}
	mustWrite("00Main/P1.urp")
	mustWrite("00Main/P2.URP") // 扩展名大小写不敏感
	mustWrite("misc/demo.urp")
	mustWrite("misc/readme.txt")

	got, err := listPrograms(dir, ".urp")
	if err != nil {
		t.Fatalf("listPrograms 失败: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("期望 3 个程序, 实际 %d: %v", len(got), got)
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("结果未排序: %v", got)
	}
}

func TestListProgramsMissingRoot(t *testing.T) {
	_, err := listPrograms(filepath.Join(t.TempDir(), "nope"), ".urp")
	if err == nil {
		t.Fatalf("目录不存在应报错")
	}
	if _, ok := err.(*ConnError); !ok {
		t.Errorf("期望 *ConnError, 实际 %T", err)
	}
}

func TestFindProgram(t *testing.T) {
	programs := []string{
		"/programs/00Main/P1Bastien.urp",
		"/programs/00Main/P2.urp",
	}
	if p, ok := FindProgram(programs, "p1bastien.urp"); !ok || p != programs[0] {
		t.Errorf("短名匹配失败: %q %v", p, ok)
	}
	if p, ok := FindProgram(programs, "/programs/00Main/P2.urp"); !ok || p != programs[1] {
		t.Errorf("全路径匹配失败: %q %v", p, ok)
	}
	if _, ok := FindProgram(programs, "P9.urp"); ok {
		t.Errorf("不存在的程序不应命中")
	}
}
