package simulator

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Robot 仿真 UR3 的 Dashboard + Script 两个口
// play 后在 RunDuration 内报 RUNNING，然后回到 STOPPED
type Robot struct {
	RunDuration time.Duration

	mu        sync.Mutex
	loaded    string
	playedAt  time.Time
	playing   bool
	registers map[int]int
	locked    bool // 模拟控制器被切到本地模式

	dashLn   net.Listener
	scriptLn net.Listener
}

func NewRobot() *Robot {
	return &Robot{
		RunDuration: 500 * time.Millisecond,
		registers:   make(map[int]int),
	}
}

// Start 在随机端口上起两个监听，返回 dashboard 和 script 的地址
func (r *Robot) Start() (dashAddr, scriptAddr string, err error) {
	r.dashLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", "", err
	}
	r.scriptLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		r.dashLn.Close()
		return "", "", err
	}
	go r.acceptDash()
	go r.acceptScript()
	return r.dashLn.Addr().String(), r.scriptLn.Addr().String(), nil
}

// Stop 关掉两个监听
func (r *Robot) Stop() {
	if r.dashLn != nil {
		r.dashLn.Close()
	}
	if r.scriptLn != nil {
		r.scriptLn.Close()
	}
}

// SetLocked 模拟控制器被切到本地模式：所有命令回拒绝文案
func (r *Robot) SetLocked(locked bool) {
	r.mu.Lock()
	r.locked = locked
	r.mu.Unlock()
}

// Register 读一个 GPii 寄存器的值
func (r *Robot) Register(index int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.registers[index]
	return v, ok
}

// Loaded 返回当前加载的程序路径
func (r *Robot) Loaded() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *Robot) acceptDash() {
	for {
		conn, err := r.dashLn.Accept()
		if err != nil {
			return
		}
		go r.serveDash(conn)
	}
}

func (r *Robot) serveDash(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "Connected: Universal Robots Dashboard Server\n")
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		fmt.Fprintf(conn, "%s\n", r.reply(cmd))
	}
}

func (r *Robot) reply(cmd string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return "command not allowed, controller is not in remote control mode"
	}

	low := strings.ToLower(cmd)
	switch {
	case low == "robotmode":
		return "Robotmode: RUNNING"
	case low == "safetymode":
		return "Safetymode: NORMAL"
	case low == "play":
		if r.loaded == "" {
			return "Failed to execute: play"
		}
		r.playing = true
		r.playedAt = time.Now()
		return "Starting program"
	case low == "stop":
		r.playing = false
		return "Stopped"
	case low == "pause":
		return "Pausing program"
	case low == "programstate":
		if r.playing && time.Since(r.playedAt) < r.RunDuration {
			return "PLAYING " + r.loaded
		}
		r.playing = false
		return "STOPPED " + r.loaded
	case low == "get loaded program":
		if r.loaded == "" {
			return "No program loaded"
		}
		return "Loaded program: " + r.loaded
	case strings.HasPrefix(low, "load "):
		r.loaded = strings.TrimSpace(cmd[5:])
		return "Loading program: " + r.loaded
	case low == "power on" || low == "power off" || low == "brake release":
		return "Executing: " + cmd
	}
	return "could not understand: " + cmd
}

func (r *Robot) acceptScript() {
	for {
		conn, err := r.scriptLn.Accept()
		if err != nil {
			return
		}
		go r.serveScript(conn)
	}
}

// serveScript 只认 write_input_integer_register(i, v) 一种脚本行
func (r *Robot) serveScript(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		var idx, val int
		if _, err := fmt.Sscanf(line, "write_input_integer_register(%d, %d)", &idx, &val); err == nil {
			r.mu.Lock()
			r.registers[idx] = val
			r.mu.Unlock()
		}
	}
}
