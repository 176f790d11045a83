package robot

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"apd/internal/config"
	"apd/internal/simulator"
)

func startSim(t *testing.T) (*simulator.Robot, *Client) {
	t.Helper()
	sim := simulator.NewRobot()
	dashAddr, scriptAddr, err := sim.Start()
	if err != nil {
		t.Fatalf("启动仿真失败: %v", err)
	}
	t.Cleanup(sim.Stop)

	host, dashPort, _ := net.SplitHostPort(dashAddr)
	_, scriptPort, _ := net.SplitHostPort(scriptAddr)
	dp, _ := strconv.Atoi(dashPort)
	sp, _ := strconv.Atoi(scriptPort)

	c := NewClient(config.RobotConfig{
		IP:            host,
		DashboardPort: dp,
		ScriptPort:    sp,
		TimeoutS:      2,
		VialRegister:  20,
		DispRegister:  21,
	})
	t.Cleanup(c.Close)
	return sim, c
}

func TestConnectBannerAndDashboard(t *testing.T) {
	_, c := startSim(t)
	banner, err := c.Connect()
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if !strings.Contains(banner, "Dashboard Server") {
		t.Errorf("横幅不对: %q", banner)
	}
	resp, err := c.RobotMode()
	if err != nil {
		t.Fatalf("robotmode 失败: %v", err)
	}
	if !strings.Contains(resp, "RUNNING") {
		t.Errorf("robotmode 应答不对: %q", resp)
	}
	if !c.Ping() {
		t.Errorf("探活应成功")
	}
}

func TestLoadPlayPoll(t *testing.T) {
	sim, c := startSim(t)
	sim.RunDuration = 200 * time.Millisecond
	if _, err := c.Connect(); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if _, err := c.LoadProgram("/programs/00Main/P1.urp"); err != nil {
		t.Fatalf("load 失败: %v", err)
	}
	if got := sim.Loaded(); got != "/programs/00Main/P1.urp" {
		t.Fatalf("仿真端没记录加载: %q", got)
	}
	if resp, err := c.Play(); err != nil || !strings.Contains(resp, "Starting") {
		t.Fatalf("play 失败: %q %v", resp, err)
	}

	// 先报 RUNNING，RunDuration 后回 STOPPED
	raw, _ := c.ProgramState()
	if !strings.Contains(strings.ToUpper(raw), "PLAYING") {
		t.Errorf("play 后应是 PLAYING: %q", raw)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, err := c.ProgramState()
		if err != nil {
			t.Fatalf("轮询失败: %v", err)
		}
		if strings.Contains(strings.ToUpper(raw), "STOPPED") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("等待停机超时, 最后应答 %q", raw)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRegisterWrites(t *testing.T) {
	sim, c := startSim(t)
	if _, err := c.Connect(); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if err := c.SetVialRegister(7); err != nil {
		t.Fatalf("写 VialsNB 失败: %v", err)
	}
	if err := c.SetDispRegister(3); err != nil {
		t.Fatalf("写 DispNB 失败: %v", err)
	}

	// script 口单向无应答，给仿真端一点处理时间
	deadline := time.Now().Add(time.Second)
	for {
		v, okV := sim.Register(20)
		d, okD := sim.Register(21)
		if okV && okD {
			if v != 7 || d != 3 {
				t.Fatalf("寄存器值不对: VialsNB=%d DispNB=%d", v, d)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("仿真端没收到寄存器写入")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetRegisterRejectsBadIndex(t *testing.T) {
	c := NewClient(config.RobotConfig{VialRegister: 99})
	if err := c.SetVialRegister(1); err == nil {
		t.Fatalf("越界下标应报错")
	}
}

func TestOperatorLockResponse(t *testing.T) {
	sim, c := startSim(t)
	if _, err := c.Connect(); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	sim.SetLocked(true)
	resp, err := c.Play()
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if !IsOperatorLock(resp) {
		t.Errorf("锁定应答应被识别: %q", resp)
	}
}
