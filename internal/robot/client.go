package robot

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"apd/internal/config"
)

// ConnError 表示与 UR3 的连接或通信错误
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("UR3 %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Client 是 UR3 的底层客户端，同时持有两条连接：
//   - Dashboard Server（文本命令，play/stop/状态查询）
//   - Script 口（URScript，寄存器写入走这条）
//
// 同一设备上的命令互斥，由 mu 串行化，保证命令与应答不交错。
type Client struct {
	cfg config.RobotConfig

	mu       sync.Mutex
	dash     net.Conn
	dashRead *bufio.Reader
	script   net.Conn
	timeout  time.Duration
}

// NewClient 创建一个未连接的 UR3 客户端
func NewClient(cfg config.RobotConfig) *Client {
	t := time.Duration(cfg.TimeoutS) * time.Second
	if t <= 0 {
		t = 3 * time.Second
	}
	return &Client{cfg: cfg, timeout: t}
}

// Connect 建立 Dashboard + Script 连接
// 返回 Dashboard 的欢迎横幅（部分固件不发，返回空串）
func (c *Client) Connect() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	dash, err := net.DialTimeout("tcp",
		net.JoinHostPort(c.cfg.IP, fmt.Sprintf("%d", c.cfg.DashboardPort)), c.timeout)
	if err != nil {
		return "", &ConnError{Op: "connect dashboard", Err: err}
	}
	script, err := net.DialTimeout("tcp",
		net.JoinHostPort(c.cfg.IP, fmt.Sprintf("%d", c.cfg.ScriptPort)), c.timeout)
	if err != nil {
		dash.Close()
		return "", &ConnError{Op: "connect script", Err: err}
	}
	c.dash = dash
	c.dashRead = bufio.NewReader(dash)
	c.script = script

	// 横幅通常是 "Connected: Universal Robots Dashboard Server"
	banner := ""
	_ = dash.SetReadDeadline(time.Now().Add(c.timeout))
	if line, err := c.dashRead.ReadString('\n'); err == nil {
		banner = strings.TrimSpace(line)
	}
	return banner, nil
}

// Close 关闭连接；未连接时无操作
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.dash != nil {
		c.dash.Close()
		c.dash = nil
		c.dashRead = nil
	}
	if c.script != nil {
		c.script.Close()
		c.script = nil
	}
}

// IsConnected 仅检查句柄是否存在，不做网络探测
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dash != nil && c.script != nil
}

// Ping 粗略探活：问一次 robotmode，有应答即算活着
func (c *Client) Ping() bool {
	resp, err := c.Dashboard("robotmode")
	return err == nil && resp != ""
}

// Dashboard 发送一条 Dashboard 命令并读取单行应答
func (c *Client) Dashboard(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dash == nil {
		return "", &ConnError{Op: cmd, Err: fmt.Errorf("dashboard 未连接")}
	}
	_ = c.dash.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.dash.Write([]byte(strings.TrimSpace(cmd) + "\n")); err != nil {
		return "", &ConnError{Op: cmd, Err: err}
	}
	_ = c.dash.SetReadDeadline(time.Now().Add(c.timeout))
	line, err := c.dashRead.ReadString('\n')
	if err != nil {
		return "", &ConnError{Op: cmd, Err: err}
	}
	return strings.TrimSpace(line), nil
}

// sendScript 发送一行 URScript，URScript 到达即执行，无应答
func (c *Client) sendScript(program string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.script == nil {
		return &ConnError{Op: "script", Err: fmt.Errorf("script 口未连接")}
	}
	if !strings.HasSuffix(program, "\n") {
		program += "\n"
	}
	_ = c.script.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.script.Write([]byte(program)); err != nil {
		return &ConnError{Op: "script", Err: err}
	}
	return nil
}

// 基础 Dashboard 命令

func (c *Client) RobotMode() (string, error)     { return c.Dashboard("robotmode") }
func (c *Client) SafetyMode() (string, error)    { return c.Dashboard("safetymode") }
func (c *Client) PowerOn() (string, error)       { return c.Dashboard("power on") }
func (c *Client) PowerOff() (string, error)      { return c.Dashboard("power off") }
func (c *Client) BrakeRelease() (string, error)  { return c.Dashboard("brake release") }
func (c *Client) Play() (string, error)          { return c.Dashboard("play") }
func (c *Client) Pause() (string, error)         { return c.Dashboard("pause") }
func (c *Client) Stop() (string, error)          { return c.Dashboard("stop") }
func (c *Client) LoadedProgram() (string, error) { return c.Dashboard("get loaded program") }
func (c *Client) ProgramState() (string, error)  { return c.Dashboard("programState") }

// LoadProgram 让控制器加载一个 .urp（如 "/programs/00Main/P1.urp"）
func (c *Client) LoadProgram(path string) (string, error) {
	return c.Dashboard("load " + path)
}

// SetVialRegister 把样瓶编号写进 VialsNB 寄存器
func (c *Client) SetVialRegister(value int) error {
	return c.setIntRegister(c.cfg.VialRegister, value)
}

// SetDispRegister 把存放位编号写进 DispNB 寄存器
func (c *Client) SetDispRegister(value int) error {
	return c.setIntRegister(c.cfg.DispRegister, value)
}

// setIntRegister 通过 script 口写 GPii[n]，合法下标 0..23
func (c *Client) setIntRegister(index, value int) error {
	if index < 0 || index > 23 {
		return &ConnError{Op: "setreg",
			Err: fmt.Errorf("寄存器下标 %d 超出 0..23", index)}
	}
	return c.sendScript(fmt.Sprintf("write_input_integer_register(%d, %d)", index, value))
}
