package scale

import (
	"fmt"
	"strconv"
	"strings"
)

// Unit 是天平应答里出现过的重量单位
type Unit int

const (
	UnitUnrecognized Unit = iota
	UnitGram
	UnitMilligram
	UnitKilogram
	UnitPercent
)

func (u Unit) String() string {
	switch u {
	case UnitGram:
		return "g"
	case UnitMilligram:
		return "mg"
	case UnitKilogram:
		return "kg"
	case UnitPercent:
		return "%"
	default:
		return "?"
	}
}

// ParseUnit 归一化单位文本；天平回长名（"Gram"）、短名（"g"）都见过
func ParseUnit(s string) Unit {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "g", "gram", "grams":
		return UnitGram
	case "mg", "milligram", "milligrams":
		return UnitMilligram
	case "kg", "kilogram", "kilograms":
		return UnitKilogram
	case "%", "percent":
		return UnitPercent
	default:
		return UnitUnrecognized
	}
}

// WSUnit 把短单位名映射为 WebService 请求要求的长名
func WSUnit(u Unit) string {
	switch u {
	case UnitMilligram:
		return "Milligram"
	case UnitKilogram:
		return "Kilogram"
	case UnitPercent:
		return "Percent"
	default:
		return "Gram"
	}
}

// ToGrams 把 (数值, 单位) 换算成克
// 单位不认识或不是质量单位（百分比）时报错，不能静默当克处理
func ToGrams(value float64, u Unit) (float64, error) {
	switch u {
	case UnitGram:
		return value, nil
	case UnitMilligram:
		return value / 1000.0, nil
	case UnitKilogram:
		return value * 1000.0, nil
	default:
		return 0, fmt.Errorf("单位 %q 无法换算成克", u)
	}
}

// parseWeight 解析天平回的数值文本；个别固件用逗号做小数点
func parseWeight(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, fmt.Errorf("空数值")
	}
	return strconv.ParseFloat(s, 64)
}
