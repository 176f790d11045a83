package config

import (
	"strings"

	"apd/internal/types"
)

// NormalizeLabel 归一化粉末名标签：小写、去首尾空白、压缩多余空格
func NormalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// FindSlotByLabel 用分配头上读到的物质名反查存放位
// 返回 (slot, 寄存器编号, 是否命中)
func (c *Config) FindSlotByLabel(substance string) (types.SlotID, int, bool) {
	target := NormalizeLabel(substance)
	if target == "" {
		return "", 0, false
	}
	for sid, label := range c.Storage.Labels {
		if NormalizeLabel(label) != target {
			continue
		}
		num, err := c.SlotNumber(types.SlotID(sid))
		if err != nil {
			continue
		}
		return types.SlotID(sid), num, true
	}
	return "", 0, false
}
