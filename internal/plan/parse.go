// Package plan 负责分装计划的加载与串行执行
// 计划是一份 JSON 文件：样瓶列表，每瓶带按顺序分装的粉末列表。
package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antonmedv/expr"

	"apd/internal/types"
)

// FormatError 表示计划文件整体无法使用（结构错误或过滤后一瓶不剩）
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("计划格式错误: %s", e.Reason)
}

// Load 从文件加载计划
func Load(path string) (*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 宽松解析计划 JSON：
// 顶层既接受 {"vials": [...]} 也接受裸数组；
// 单条样瓶项缺 id、缺合法粉末或规则编译不过，整条丢弃而不是让整份计划失败；
// 单条粉末项缺名或量不为正，丢该粉末；
// 过滤后一瓶不剩才整体拒绝。
func Parse(data []byte) (*types.Plan, error) {
	var doc struct {
		Vials []types.VialEntry `json:"vials"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		// 顶层也可能直接是样瓶数组
		if aerr := json.Unmarshal(data, &doc.Vials); aerr != nil {
			return nil, &FormatError{Reason: err.Error()}
		}
	}
	if len(doc.Vials) == 0 {
		return nil, &FormatError{Reason: "计划不含任何样瓶项"}
	}

	out := &types.Plan{}
	for _, v := range doc.Vials {
		if v.VialID == "" {
			continue
		}
		var powders []types.PowderEntry
		for _, p := range v.Powders {
			if p.Name == "" || p.QtyMg <= 0 {
				continue
			}
			powders = append(powders, p)
		}
		if len(powders) == 0 {
			continue
		}
		if v.Rule != "" {
			if _, err := expr.Compile(v.Rule, expr.Env(RuleEnv(v)), expr.AsBool()); err != nil {
				continue
			}
		}
		v.Powders = powders
		out.Vials = append(out.Vials, v)
	}

	if len(out.Vials) == 0 {
		return nil, &FormatError{Reason: "过滤后没有任何可执行的样瓶项"}
	}
	return out, nil
}

// RuleEnv 构造样瓶规则表达式的求值环境
func RuleEnv(v types.VialEntry) map[string]any {
	total := 0.0
	for _, p := range v.Powders {
		total += p.QtyMg
	}
	return map[string]any{
		"vial":     string(v.VialID),
		"powders":  len(v.Powders),
		"total_mg": total,
	}
}

// RuleAllows 求值样瓶的执行规则；没有规则时恒为允许
// Parse 已保证规则能编译，这里的求值错误按不允许处理
func RuleAllows(v types.VialEntry) (bool, error) {
	if v.Rule == "" {
		return true, nil
	}
	prog, err := expr.Compile(v.Rule, expr.Env(RuleEnv(v)), expr.AsBool())
	if err != nil {
		return false, err
	}
	res, err := expr.Run(prog, RuleEnv(v))
	if err != nil {
		return false, err
	}
	allow, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("规则结果不是布尔值: %v", res)
	}
	return allow, nil
}
