package handlers

import (
	"fmt"
	"log/slog"

	"apd/internal/devices"
	"apd/internal/event"
	"apd/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（UI、审计日志、设备管理）解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, dev *devices.Manager, logger *slog.Logger) {
	// --- Web UI 处理器 (Web UI Handler) ---
	bus.Subscribe(event.StepStarted, func(e event.Event) {
		st.SetPhase("step", e.Step, e.Vial, e.Slot)
		st.AppendLog(fmt.Sprintf("步骤 %s 开始 vial=%s slot=%s", e.Step, e.Vial, e.Slot))
	})
	bus.Subscribe(event.StepCompleted, func(e event.Event) {
		st.SetPhase("idle", "", "", "")
		st.AppendLog(fmt.Sprintf("步骤 %s 完成", e.Step))
	})
	bus.Subscribe(event.StepFailed, func(e event.Event) {
		st.SetPhase("idle", "", "", "")
		st.AppendLog(fmt.Sprintf("步骤 %s 中止: %v", e.Step, e.Error))
	})
	bus.Subscribe(event.DosingStarted, func(e event.Event) {
		st.SetPhase("dosing", "", "", "")
		st.AppendLog(fmt.Sprintf("加样开始 substance=%s", e.Substance))
	})
	bus.Subscribe(event.DosingFinished, func(e event.Event) {
		st.SetPhase("idle", "", "", "")
		st.AppendLog(fmt.Sprintf("加样完成 substance=%s", e.Substance))
	})
	bus.Subscribe(event.DosingFailed, func(e event.Event) {
		st.SetPhase("idle", "", "", "")
		st.AppendLog(fmt.Sprintf("加样失败 substance=%s: %v", e.Substance, e.Error))
	})
	bus.Subscribe(event.PlanStarted, func(e event.Event) {
		st.PlanReset()
		st.AppendLog("计划开始")
	})
	bus.Subscribe(event.PlanVialDone, func(e event.Event) {
		st.VialDone()
		st.AppendLog(fmt.Sprintf("样瓶 %s 走完全程", e.Vial))
	})
	bus.Subscribe(event.PlanCompleted, func(e event.Event) {
		st.AppendLog("计划完成")
	})
	bus.Subscribe(event.PlanFailed, func(e event.Event) {
		st.AppendLog(fmt.Sprintf("计划终止: %v", e.Error))
	})
	bus.Subscribe(event.DeviceLost, func(e event.Event) {
		st.AppendLog(fmt.Sprintf("设备 %s 失联", e.Device))
	})
	bus.Subscribe(event.DeviceConnected, func(e event.Event) {
		st.AppendLog(fmt.Sprintf("设备 %s 已连接", e.Device))
	})

	// --- 设备管理处理器 (Device Handler) ---
	// 编排器发现控制器被本地模式锁定时，把设备打入等待人工重连的终态
	bus.Subscribe(event.DeviceNeedsReconnect, func(e event.Event) {
		if e.Device == "" {
			return
		}
		reason := "控制器被切到本地模式"
		if e.Error != nil {
			reason = e.Error.Error()
		}
		// ForceReconnect 自己也会广播一次 NeedsReconnect，用 Device 快照判重
		if dev.IsHealthy(e.Device) {
			dev.ForceReconnect(e.Device, reason)
		}
		st.AppendLog(fmt.Sprintf("设备 %s 等待人工重连: %s", e.Device, reason))
	})

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.StepFailed, func(e event.Event) {
		logger.Error("步骤失败", "trace_id", e.TraceID, "step", string(e.Step), "error", e.Error)
	})
	bus.Subscribe(event.PlanCompleted, func(e event.Event) {
		logger.Info("计划执行成功", "trace_id", e.TraceID)
	})
	bus.Subscribe(event.PlanFailed, func(e event.Event) {
		logger.Error("计划执行失败", "trace_id", e.TraceID, "error", e.Error)
	})
}
