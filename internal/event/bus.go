package event

import (
	"sync"

	"apd/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	StepStarted   EventType = "StepStarted"   // 机械臂步骤开始执行
	StepCompleted EventType = "StepCompleted" // 机械臂步骤正常结束
	StepFailed    EventType = "StepFailed"    // 机械臂步骤失败（前置条件或设备）

	DosingStarted  EventType = "DosingStarted"  // 加样作业下发成功
	DosingFinished EventType = "DosingFinished" // 加样序列正常结束
	DosingFailed   EventType = "DosingFailed"   // 加样失败或被取消

	PlanStarted   EventType = "PlanStarted"   // 整张配方计划开始
	PlanVialDone  EventType = "PlanVialDone"  // 计划中一只样瓶走完全程
	PlanCompleted EventType = "PlanCompleted" // 整张计划正常结束
	PlanFailed    EventType = "PlanFailed"    // 计划中途失败终止

	DeviceConnected      EventType = "DeviceConnected"      // 设备连接建立
	DeviceLost           EventType = "DeviceLost"           // 心跳发现设备失联
	DeviceNeedsReconnect EventType = "DeviceNeedsReconnect" // 控制器被人工锁定，等待手动恢复
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type      EventType
	TraceID   string           // 关联的执行轨迹 ID
	Step      types.StepID     // 步骤相关事件
	Vial      types.VialID     // 步骤 / 计划进度相关事件
	Slot      types.SlotID     // P2/P4 相关事件
	Substance string           // 加样相关事件
	Device    types.DeviceName // 设备相关事件
	Error     error            // 失败事件的错误信息
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll 给每种事件类型都挂同一个处理器（状态快照、审计日志用）
func (b *Bus) SubscribeAll(handler Handler, eventTypes ...EventType) {
	for _, t := range eventTypes {
		b.Subscribe(t, handler)
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			go handler(e)
		}
	}
}

// AllTypes 返回全部事件类型，订阅全量流时用
func AllTypes() []EventType {
	return []EventType{
		StepStarted, StepCompleted, StepFailed,
		DosingStarted, DosingFinished, DosingFailed,
		PlanStarted, PlanVialDone, PlanCompleted, PlanFailed,
		DeviceConnected, DeviceLost, DeviceNeedsReconnect,
	}
}
