package plan

import (
	"errors"
	"testing"
)

func TestParseValidPlan(t *testing.T) {
	data := []byte(`{"vials":[
		{"vial_id":"E1-3","powders":[{"name":"NaHCO3","qty_mg":5.0},{"name":"KCl","qty_mg":3.0}]},
		{"vial_id":"E1-4","powders":[{"name":"NaCl","qty_mg":2.5}]}
	]}`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("合法计划解析失败: %v", err)
	}
	if len(p.Vials) != 2 {
		t.Fatalf("期望 2 瓶, 实际 %d", len(p.Vials))
	}
	if len(p.Vials[0].Powders) != 2 || p.Vials[0].Powders[1].Name != "KCl" {
		t.Errorf("粉末顺序应保持: %+v", p.Vials[0].Powders)
	}
}

func TestParseBareArray(t *testing.T) {
	data := []byte(`[{"vial_id":"E1-3","powders":[{"name":"X","qty_mg":1}]}]`)
	p, err := Parse(data)
	if err != nil || len(p.Vials) != 1 {
		t.Fatalf("裸数组也应接受: %v %v", p, err)
	}
}

// 宽松解析：坏条目丢弃而不是整份失败
func TestParseLenient(t *testing.T) {
	data := []byte(`{"vials":[
		{"vial_id":"","powders":[{"name":"X","qty_mg":1}]},
		{"vial_id":"E1-3","powders":[]},
		{"vial_id":"E1-4","powders":[{"name":"","qty_mg":1},{"name":"Y","qty_mg":0},{"name":"Z","qty_mg":-2}]},
		{"vial_id":"E2-1","powders":[{"name":"bad","qty_mg":0},{"name":"OK","qty_mg":2}]}
	]}`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("应宽松通过: %v", err)
	}
	if len(p.Vials) != 1 || p.Vials[0].VialID != "E2-1" {
		t.Fatalf("只有 E2-1 应存活: %+v", p.Vials)
	}
	if len(p.Vials[0].Powders) != 1 || p.Vials[0].Powders[0].Name != "OK" {
		t.Errorf("坏粉末应被滤掉: %+v", p.Vials[0].Powders)
	}
}

// 过滤后一瓶不剩 → 整体拒绝
func TestParseAllFilteredOut(t *testing.T) {
	data := []byte(`{"vials":[{"vial_id":"","powders":[]}]}`)
	_, err := Parse(data)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("期望 *FormatError, 实际 %T: %v", err, err)
	}
}

func TestParseMalformedTopLevel(t *testing.T) {
	for _, data := range []string{`not json`, `{"vials": 5}`, `{}`, `[]`} {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("顶层非法应拒绝: %s", data)
		}
	}
}

// 规则编译不过的条目按宽松原则丢弃
func TestParseBadRuleDropped(t *testing.T) {
	data := []byte(`{"vials":[
		{"vial_id":"E1-3","powders":[{"name":"X","qty_mg":1}],"rule":"total_mg < "},
		{"vial_id":"E1-4","powders":[{"name":"X","qty_mg":1}],"rule":"total_mg < 10"}
	]}`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(p.Vials) != 1 || p.Vials[0].VialID != "E1-4" {
		t.Fatalf("坏规则条目应被丢弃: %+v", p.Vials)
	}
}

func TestRuleAllows(t *testing.T) {
	p, err := Parse([]byte(`{"vials":[
		{"vial_id":"E1-3","powders":[{"name":"X","qty_mg":20}],"rule":"total_mg < 10"}
	]}`))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	allow, err := RuleAllows(p.Vials[0])
	if err != nil {
		t.Fatalf("求值失败: %v", err)
	}
	if allow {
		t.Errorf("20mg 不满足 total_mg < 10, 应不允许")
	}

	noRule := p.Vials[0]
	noRule.Rule = ""
	if allow, _ := RuleAllows(noRule); !allow {
		t.Errorf("没有规则时恒为允许")
	}
}
