package web

import (
	"sync"
	"time"

	"apd/internal/devices"
	"apd/internal/types"
)

// LogLine 是追加式运行日志的一行，随状态推给前端
type LogLine struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// WorkcellState 代表整个工作单元的实时状态快照
type WorkcellState struct {
	Phase    string                    `json:"phase"` // idle / step / dosing / plan
	Step     types.StepID              `json:"step,omitempty"`
	Vial     types.VialID              `json:"vial,omitempty"`
	Slot     types.SlotID              `json:"slot,omitempty"`
	PlanVial int                       `json:"plan_vial"` // 计划游标：当前第几瓶
	Devices  map[string]devices.Status `json:"devices"`
	Log      []LogLine                 `json:"log"`
}

// 前端日志只留最近一段，防止长跑把快照撑大
const logKeep = 200

// StateTracker 负责追踪工作单元的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state WorkcellState
	hub   *Hub
	dev   *devices.Manager
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub, dev *devices.Manager) *StateTracker {
	return &StateTracker{
		state: WorkcellState{Phase: "idle"},
		hub:   hub,
		dev:   dev,
	}
}

// SetPhase 更新当前阶段与游标并广播
func (st *StateTracker) SetPhase(phase string, step types.StepID, vial types.VialID, slot types.SlotID) {
	st.mu.Lock()
	st.state.Phase = phase
	st.state.Step = step
	st.state.Vial = vial
	st.state.Slot = slot
	st.mu.Unlock()
	st.broadcast()
}

// VialDone 计划推进一瓶
func (st *StateTracker) VialDone() {
	st.mu.Lock()
	st.state.PlanVial++
	st.mu.Unlock()
	st.broadcast()
}

// PlanReset 计划开始时清零游标
func (st *StateTracker) PlanReset() {
	st.mu.Lock()
	st.state.PlanVial = 0
	st.mu.Unlock()
	st.broadcast()
}

// AppendLog 追加一行运行日志并广播
func (st *StateTracker) AppendLog(text string) {
	st.mu.Lock()
	st.state.Log = append(st.state.Log, LogLine{At: time.Now(), Text: text})
	if len(st.state.Log) > logKeep {
		st.state.Log = st.state.Log[len(st.state.Log)-logKeep:]
	}
	st.mu.Unlock()
	st.broadcast()
}

func (st *StateTracker) broadcast() {
	st.hub.BroadcastState(st.Snapshot())
}

// Snapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) Snapshot() WorkcellState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := st.state
	out.Log = make([]LogLine, len(st.state.Log))
	copy(out.Log, st.state.Log)
	out.Devices = st.dev.Snapshot()
	return out
}
