package robot

import (
	"strings"

	"apd/internal/types"
)

// CanonProgramState 把 programState 的自由文本归一化为规范枚举
// 全函数：任何输入都恰好映射到四个状态之一，不认识的文本归 UNKNOWN
func CanonProgramState(raw string) types.RunState {
	up := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.Contains(up, "RUNNING") || strings.Contains(up, "PLAYING"):
		return types.RunStateRunning
	case strings.Contains(up, "PAUSE"):
		return types.RunStatePaused
	case strings.Contains(up, "STOP"):
		return types.RunStateStopped
	default:
		return types.RunStateUnknown
	}
}

// ExtractLoadedPath 把 "Loaded program: /a/b/c.urp" 还原成纯路径
// 不含冒号时原样返回
func ExtractLoadedPath(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.Index(s, ":"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// StepFromProgram 按文件名模式判定程序属于哪个步骤
// 文件名里含 p1/p2/p3/p4（不区分大小写）即判为对应步骤，否则 OTHER
func StepFromProgram(path string) types.StepID {
	name := path
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		name = path[i+1:]
	}
	low := strings.ToLower(name)
	switch {
	case strings.Contains(low, "p1"):
		return types.StepP1
	case strings.Contains(low, "p2"):
		return types.StepP2
	case strings.Contains(low, "p3"):
		return types.StepP3
	case strings.Contains(low, "p4"):
		return types.StepP4
	default:
		return types.StepOther
	}
}

// IsOperatorLock 判断 Dashboard 应答是否表示控制器被切到本地/示教模式
// 这种状态必须人工切回 Remote 再重连，自动重试没有意义
func IsOperatorLock(resp string) bool {
	low := strings.ToLower(resp)
	return strings.Contains(low, "remote control mode") ||
		strings.Contains(low, "reconnect to port 29999") ||
		strings.Contains(low, "not allowed due to safety")
}
