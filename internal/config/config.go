package config

import (
	"fmt"

	"apd/internal/types"

	"github.com/spf13/viper"
)

// RobotConfig UR3 机械臂相关配置
type RobotConfig struct {
	IP            string `mapstructure:"ip"`
	DashboardPort int    `mapstructure:"dashboard_port"` // Dashboard Server 文本命令口
	ScriptPort    int    `mapstructure:"script_port"`    // URScript 口
	TimeoutS      int    `mapstructure:"timeout_s"`

	ProgramsDir string `mapstructure:"programs_dir"` // .urp 程序列表的根目录
	ProgramExt  string `mapstructure:"program_ext"`  // 程序文件扩展名，默认 ".urp"

	// GPii 整数输入寄存器下标 (合法范围 0..23)
	VialRegister int `mapstructure:"vial_register"` // VialsNB
	DispRegister int `mapstructure:"disp_register"` // DispNB

	// 样瓶逻辑 ID → 机械臂物理编号
	VialIDToNumber map[string]int `mapstructure:"vial_id_to_number"`

	// 步骤 → .urp 程序路径
	Programs map[string]string `mapstructure:"programs"`
}

// ScaleConfig Mettler 天平 (WebService) 相关配置
type ScaleConfig struct {
	Scheme   string `mapstructure:"scheme"` // "http" 或 "https"
	IP       string `mapstructure:"ip"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"` // 解密 SessionId 用的口令
	TimeoutS int    `mapstructure:"timeout_s"`

	// 计划条目不带容差时按目标量的百分比取默认容差
	TolerancePct float64 `mapstructure:"tolerance_pct"`

	DoorIDs    []string `mapstructure:"door_ids"` // 防风罩门标识
	OpenWidth  int      `mapstructure:"open_width"`
	CloseWidth int      `mapstructure:"close_width"`
	MethodName string   `mapstructure:"method_name"` // 天平侧的称量方法名

	VialPresenceMinMg float64 `mapstructure:"vial_presence_min_mg"` // 判定秤盘上有瓶的最小毛重
	PanEmptyThreshMg  float64 `mapstructure:"pan_empty_thresh_mg"`  // 空盘判定的固定阈值
	SampleCount       int     `mapstructure:"sample_count"`         // 毛重采样次数
	SampleDelayMs     int     `mapstructure:"sample_delay_ms"`      // 采样间隔
}

// StorageConfig 粉末存放位配置
type StorageConfig struct {
	IDs        []string       `mapstructure:"ids"`          // 可用的逻辑 ID
	Order      []string       `mapstructure:"order"`        // 展示顺序（与逻辑 ID 无关）
	IDToNumber map[string]int `mapstructure:"id_to_number"` // 逻辑 ID → DispNB 寄存器值
	Labels     map[string]string `mapstructure:"labels"`    // 逻辑 ID → 粉末名标签
}

// SequencerConfig 步骤编排器的节奏参数
type SequencerConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"` // programState 轮询周期
	GraceMs        int `mapstructure:"grace_ms"`         // 启动宽限窗口：忽略残留 STOPPED
	LongPollS      int `mapstructure:"long_poll_s"`      // 通知流长轮询超时
	HeartbeatMs    int `mapstructure:"heartbeat_ms"`     // 设备心跳周期
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	ListenAddr  string          `mapstructure:"listen_addr"`
	JournalPath string          `mapstructure:"journal_path"`
	Robot       RobotConfig     `mapstructure:"robot"`
	Scale       ScaleConfig     `mapstructure:"scale"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Sequencer   SequencerConfig `mapstructure:"sequencer"`
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	// 设置默认值
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("journal_path", "runs.journal")
	viper.SetDefault("robot.dashboard_port", 29999)
	viper.SetDefault("robot.script_port", 30002)
	viper.SetDefault("robot.timeout_s", 3)
	viper.SetDefault("robot.program_ext", ".urp")
	viper.SetDefault("robot.vial_register", 20)
	viper.SetDefault("robot.disp_register", 21)
	viper.SetDefault("scale.scheme", "http")
	viper.SetDefault("scale.port", 81)
	viper.SetDefault("scale.timeout_s", 8)
	viper.SetDefault("scale.open_width", 100)
	viper.SetDefault("scale.close_width", 0)
	viper.SetDefault("scale.method_name", "Dosing")
	viper.SetDefault("scale.tolerance_pct", 5.0)
	viper.SetDefault("scale.vial_presence_min_mg", 14000.0)
	viper.SetDefault("scale.pan_empty_thresh_mg", 9.0)
	viper.SetDefault("scale.sample_count", 8)
	viper.SetDefault("scale.sample_delay_ms", 40)
	viper.SetDefault("sequencer.poll_interval_ms", 700)
	viper.SetDefault("sequencer.grace_ms", 2000)
	viper.SetDefault("sequencer.long_poll_s", 10)
	viper.SetDefault("sequencer.heartbeat_ms", 3000)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置的静态约束
// 寄存器下标越界属于配置错误，启动即失败，而不是留到运行期
func (c *Config) Validate() error {
	for name, idx := range map[string]int{
		"robot.vial_register": c.Robot.VialRegister,
		"robot.disp_register": c.Robot.DispRegister,
	} {
		if idx < 0 || idx > 23 {
			return fmt.Errorf("%s=%d 超出 GPii 合法范围 0..23", name, idx)
		}
	}
	if err := CheckVialMapBijection(c.Robot.VialIDToNumber); err != nil {
		return err
	}
	return nil
}

// CheckVialMapBijection 校验 vial 映射是双射：编号不重复
// 保证 id→number→id 反查往返一致
func CheckVialMapBijection(m map[string]int) error {
	seen := make(map[int]string, len(m))
	for id, num := range m {
		if prev, dup := seen[num]; dup {
			return fmt.Errorf("vial 映射冲突: %q 和 %q 都映射到编号 %d", prev, id, num)
		}
		seen[num] = id
	}
	return nil
}

// VialNumber 按映射表解析样瓶物理编号
func (c *Config) VialNumber(id types.VialID) (int, error) {
	n, ok := c.Robot.VialIDToNumber[string(id)]
	if !ok {
		return 0, fmt.Errorf("未知或未映射的 vial id: %q", id)
	}
	return n, nil
}

// SlotNumber 按映射表解析存放位编号，缺省时从 "S3" 之类的后缀推断
func (c *Config) SlotNumber(id types.SlotID) (int, error) {
	if n, ok := c.Storage.IDToNumber[string(id)]; ok {
		return n, nil
	}
	s := string(id)
	if len(s) > 1 && (s[0] == 'S' || s[0] == 's') {
		n := 0
		for _, r := range s[1:] {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("storage id 无效: %q", id)
			}
			n = n*10 + int(r-'0')
		}
		return n, nil
	}
	return 0, fmt.Errorf("storage id 无效: %q", id)
}

// StepProgram 返回步骤对应的 .urp 路径
func (c *Config) StepProgram(step types.StepID) (string, error) {
	p, ok := c.Robot.Programs[string(step)]
	if !ok || p == "" {
		return "", fmt.Errorf("步骤 %s 未配置 .urp 程序路径", step)
	}
	return p, nil
}
