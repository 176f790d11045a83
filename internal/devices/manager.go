// Package devices 管理工作单元的设备连接：
// 每台设备一个有类型的可空句柄，按需连接、心跳验活、失联置空，
// 控制器被人工锁定时进入「等待人工重连」的终态。
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"apd/internal/config"
	"apd/internal/event"
	"apd/internal/metrics"
	"apd/internal/robot"
	"apd/internal/scale"
	"apd/internal/types"
)

// Status 是单台设备的对外状态快照
type Status struct {
	Connected      bool   `json:"connected"`
	NeedsReconnect bool   `json:"needs_reconnect"`
	Reason         string `json:"reason,omitempty"`
}

// Manager 拥有全部设备句柄
// 句柄对象本身进程级唯一，连接状态在句柄内部可空；
// 消费方每步开跑前走 Ensure* 重新确认，而不是缓存连接
type Manager struct {
	cfg *config.Config
	bus *event.Bus
	log *slog.Logger

	robot *robot.Client
	scale *scale.Client

	mu    sync.Mutex
	needs map[types.DeviceName]string // 设备 → 锁定原因，空表示正常
}

func NewManager(cfg *config.Config, bus *event.Bus, log *slog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		bus:   bus,
		log:   log.With("component", "devices"),
		robot: robot.NewClient(cfg.Robot),
		scale: scale.NewClient(cfg.Scale),
		needs: make(map[types.DeviceName]string),
	}
}

// Robot 返回机械臂句柄；连接状态由句柄内部维护
func (m *Manager) Robot() *robot.Client { return m.robot }

// Scale 返回天平句柄
func (m *Manager) Scale() *scale.Client { return m.scale }

// EnsureRobot 确认机械臂在线，没连就连
// 设备处于等待人工重连状态时直接拒绝，不做自动重试
func (m *Manager) EnsureRobot(ctx context.Context) error {
	if reason, flagged := m.flagged(types.DeviceRobot); flagged {
		return fmt.Errorf("UR3 等待人工重连: %s", reason)
	}
	if m.robot.IsConnected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	banner, err := m.robot.Connect()
	if err != nil {
		metrics.DeviceUp.WithLabelValues(string(types.DeviceRobot)).Set(0)
		return err
	}
	metrics.DeviceUp.WithLabelValues(string(types.DeviceRobot)).Set(1)
	metrics.DeviceReconnects.WithLabelValues(string(types.DeviceRobot)).Inc()
	m.log.Info("UR3 已连接", slog.String("banner", banner))
	m.bus.Publish(event.Event{Type: event.DeviceConnected, Device: types.DeviceRobot})
	return nil
}

// EnsureScale 确认天平会话可用，没有会话就开一个
func (m *Manager) EnsureScale(ctx context.Context) error {
	if reason, flagged := m.flagged(types.DeviceScale); flagged {
		return fmt.Errorf("天平等待人工重连: %s", reason)
	}
	if m.scale.HasSession() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.scale.OpenSession(); err != nil {
		metrics.DeviceUp.WithLabelValues(string(types.DeviceScale)).Set(0)
		return err
	}
	metrics.DeviceUp.WithLabelValues(string(types.DeviceScale)).Set(1)
	metrics.DeviceReconnects.WithLabelValues(string(types.DeviceScale)).Inc()
	m.log.Info("天平会话已建立")
	m.bus.Publish(event.Event{Type: event.DeviceConnected, Device: types.DeviceScale})
	return nil
}

// EnsureAll 两台设备都确认一遍，计划驱动每瓶开跑前调用
func (m *Manager) EnsureAll(ctx context.Context) error {
	if err := m.EnsureRobot(ctx); err != nil {
		return err
	}
	return m.EnsureScale(ctx)
}

// Invalidate 置空一台设备的连接，下次 Ensure 会重连
func (m *Manager) Invalidate(device types.DeviceName) {
	switch device {
	case types.DeviceRobot:
		m.robot.Close()
	case types.DeviceScale:
		m.scale.Close()
	}
	metrics.DeviceUp.WithLabelValues(string(device)).Set(0)
}

// IsHealthy 报告设备当前是否在线且未被锁定
func (m *Manager) IsHealthy(device types.DeviceName) bool {
	if _, flagged := m.flagged(device); flagged {
		return false
	}
	switch device {
	case types.DeviceRobot:
		return m.robot.IsConnected()
	case types.DeviceScale:
		return m.scale.HasSession()
	}
	return false
}

// ForceReconnect 把设备打入等待人工重连的终态并断开连接
// 只有显式 Reconnect 能解除；编排器发现控制器被本地模式锁定时触发
func (m *Manager) ForceReconnect(device types.DeviceName, reason string) {
	m.mu.Lock()
	m.needs[device] = reason
	m.mu.Unlock()
	m.Invalidate(device)
	m.log.Error("设备进入等待人工重连状态",
		slog.String("device", string(device)), slog.String("reason", reason))
	m.bus.Publish(event.Event{
		Type: event.DeviceNeedsReconnect, Device: device,
		Error: fmt.Errorf("%s", reason),
	})
}

// Reconnect 由操作员显式触发：解除锁定标记并重新连接
func (m *Manager) Reconnect(ctx context.Context, device types.DeviceName) error {
	m.mu.Lock()
	delete(m.needs, device)
	m.mu.Unlock()
	switch device {
	case types.DeviceRobot:
		return m.EnsureRobot(ctx)
	case types.DeviceScale:
		return m.EnsureScale(ctx)
	}
	return fmt.Errorf("未知设备: %s", device)
}

func (m *Manager) flagged(device types.DeviceName) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.needs[device]
	return reason, ok
}

// Snapshot 返回全部设备的状态快照，给状态页用
func (m *Manager) Snapshot() map[string]Status {
	out := make(map[string]Status, 2)
	for _, d := range []types.DeviceName{types.DeviceRobot, types.DeviceScale} {
		reason, flagged := m.flagged(d)
		connected := false
		switch d {
		case types.DeviceRobot:
			connected = m.robot.IsConnected()
		case types.DeviceScale:
			connected = m.scale.HasSession()
		}
		out[string(d)] = Status{
			Connected:      connected,
			NeedsReconnect: flagged,
			Reason:         reason,
		}
	}
	return out
}

// Heartbeat 周期性验活：机械臂发一条 robotmode 探测，
// 天平查一次门位。失联即置空句柄并广播 DeviceLost，下一步的 Ensure 负责重连。
func (m *Manager) Heartbeat(ctx context.Context) {
	interval := time.Duration(m.cfg.Sequencer.HeartbeatMs) * time.Millisecond
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.robot.IsConnected() && !m.robot.Ping() {
			m.log.Warn("心跳失败，置空 UR3 连接")
			m.Invalidate(types.DeviceRobot)
			m.bus.Publish(event.Event{Type: event.DeviceLost, Device: types.DeviceRobot})
		}
		if m.scale.HasSession() {
			if _, err := m.scale.DoorPositions(); err != nil {
				m.log.Warn("心跳失败，丢弃天平会话", slog.Any("error", err))
				m.Invalidate(types.DeviceScale)
				m.bus.Publish(event.Event{Type: event.DeviceLost, Device: types.DeviceScale})
			}
		}
	}
}
