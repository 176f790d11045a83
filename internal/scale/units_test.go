package scale

import (
	"math"
	"testing"
)

func TestParseUnit(t *testing.T) {
	cases := []struct {
		in   string
		want Unit
	}{
		{"g", UnitGram},
		{"Gram", UnitGram},
		{"grams", UnitGram},
		{"mg", UnitMilligram},
		{"Milligram", UnitMilligram},
		{"KG", UnitKilogram},
		{"%", UnitPercent},
		{"Percent", UnitPercent},
		{"oz", UnitUnrecognized},
		{"", UnitUnrecognized},
	}
	for _, c := range cases {
		if got := ParseUnit(c.in); got != c.want {
			t.Errorf("ParseUnit(%q) = %v, 期望 %v", c.in, got, c.want)
		}
	}
}

func TestToGrams(t *testing.T) {
	cases := []struct {
		v    float64
		u    Unit
		want float64
	}{
		{1.5, UnitGram, 1.5},
		{250, UnitMilligram, 0.25},
		{0.002, UnitKilogram, 2.0},
	}
	for _, c := range cases {
		got, err := ToGrams(c.v, c.u)
		if err != nil {
			t.Fatalf("ToGrams(%v, %v) 报错: %v", c.v, c.u, err)
		}
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ToGrams(%v, %v) = %v, 期望 %v", c.v, c.u, got, c.want)
		}
	}

	// 百分比和未知单位不是质量，不能静默当克
	if _, err := ToGrams(1, UnitPercent); err == nil {
		t.Errorf("百分比应报错")
	}
	if _, err := ToGrams(1, UnitUnrecognized); err == nil {
		t.Errorf("未知单位应报错")
	}
}

func TestParseWeight(t *testing.T) {
	if v, err := parseWeight(" 1,25 "); err != nil || v != 1.25 {
		t.Errorf("逗号小数点解析失败: %v %v", v, err)
	}
	if v, err := parseWeight("-0.003"); err != nil || v != -0.003 {
		t.Errorf("负值解析失败: %v %v", v, err)
	}
	if _, err := parseWeight(""); err == nil {
		t.Errorf("空串应报错")
	}
}

func TestWSUnit(t *testing.T) {
	if WSUnit(UnitMilligram) != "Milligram" || WSUnit(UnitGram) != "Gram" {
		t.Errorf("WSUnit 映射不对")
	}
}
