package robot

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ListPrograms 枚举程序目录下的全部 .urp，递归遍历，结果排序
// 目录由配置给出（控制器程序分区的挂载点）
func (c *Client) ListPrograms() ([]string, error) {
	return listPrograms(c.cfg.ProgramsDir, c.cfg.ProgramExt)
}

func listPrograms(root, ext string) ([]string, error) {
	if ext == "" {
		ext = ".urp"
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ext) {
			out = append(out, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, &ConnError{Op: "list programs", Err: err}
	}
	sort.Strings(out)
	return out, nil
}

// FindProgram 在列表里按短名匹配完整路径（"P1Bastien.urp" → "/programs/00Main/P1Bastien.urp"）
func FindProgram(programs []string, shortName string) (string, bool) {
	low := strings.ToLower(shortName)
	for _, p := range programs {
		pl := strings.ToLower(p)
		if pl == low || strings.HasSuffix(pl, "/"+low) || strings.HasSuffix(pl, "\\"+low) {
			return p, true
		}
	}
	return "", false
}
