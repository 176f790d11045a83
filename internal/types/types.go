package types

// StepID 定义机械臂预置程序对应的工序步骤
// 使用字符串类型，方便在日志和配置中直接使用
type StepID string

const (
	// 粉末分装工作单元的步骤常量定义
	StepP1    StepID = "P1"    // 取样瓶：从料架取 vial 放到天平秤盘
	StepP2    StepID = "P2"    // 取分配头：从 storage 取 dispenser 装到天平
	StepP3    StepID = "P3"    // 还分配头：把 dispenser 放回 storage
	StepP4    StepID = "P4"    // 还样瓶：把 vial 从秤盘放回料架
	StepOther StepID = "OTHER" // 其他程序：不属于 P1..P4 的任意 .urp
)

// RunState 定义机械臂程序运行状态的规范枚举
// 由 programState 返回的自由文本归一化得到
type RunState string

const (
	RunStateRunning RunState = "RUNNING"
	RunStatePaused  RunState = "PAUSED"
	RunStateStopped RunState = "STOPPED"
	RunStateUnknown RunState = "UNKNOWN"
)

// VialID 样瓶逻辑标识，如 "E1-3"（组号 + 料架号 + 槽位）
type VialID string

// SlotID 粉末存放位逻辑标识，"S1".."S4"
type SlotID string

// DeviceName 工作单元内的设备标识
type DeviceName string

const (
	DeviceRobot DeviceName = "ur3"
	DeviceScale DeviceName = "scale"
)

// StepRequest 表示一次步骤执行请求
// Vial / Slot 按步骤需要填写，未选择时留空
type StepRequest struct {
	Step      StepID `json:"step"`
	Vial      VialID `json:"vial,omitempty"`
	Slot      SlotID `json:"slot,omitempty"`
	Substance string `json:"substance,omitempty"` // P4 可选：期望的加样头物质名，归还前核对
	Program   string `json:"program,omitempty"`   // .urp 路径，为空时按步骤从配置解析
}

// DosingJob 表示一次单目标称量任务
// 提交后同步返回 Outcome，物理完成通过通知流异步上报
type DosingJob struct {
	VialName      string  `json:"vial_name"`
	SubstanceName string  `json:"substance_name"`
	TargetValue   float64 `json:"target_value"`
	TargetUnit    string  `json:"target_unit"` // "mg" / "g"
	LowerTol      float64 `json:"lower_tol"`   // 容差下界（正值）
	UpperTol      float64 `json:"upper_tol"`   // 容差上界
	TolUnit       string  `json:"tol_unit,omitempty"`
}

// WeightStats 表示秤盘采样得到的统计量，用于前置条件判断与日志
type WeightStats struct {
	MeanGrossG float64 `json:"mean_gross_g"` // 毛重均值 (g)
	StdGrossG  float64 `json:"std_gross_g"`  // 样本标准差 (g)
	ThresholdG float64 `json:"threshold_g"`  // 实际采用的判定阈值 (g)
	N          int     `json:"n"`            // 有效采样数
}

// PowderEntry 计划中单条粉末项：粉末名 + 目标量 (mg)
type PowderEntry struct {
	Name  string  `json:"name"`
	QtyMg float64 `json:"qty_mg"`
}

// VialEntry 计划中单条样瓶项：样瓶 + 按顺序分装的粉末列表
// Rule 为可选的执行规则表达式 (expr 语法)，求值为 false 时跳过该瓶
type VialEntry struct {
	VialID  VialID        `json:"vial_id"`
	Powders []PowderEntry `json:"powders"`
	Rule    string        `json:"rule,omitempty"`
}

// Plan 表示一份完整的分装计划，从 JSON 文件整体加载，执行期间不可变
type Plan struct {
	Vials []VialEntry `json:"vials"`
}
