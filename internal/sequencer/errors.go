package sequencer

import (
	"errors"
	"fmt"

	"apd/internal/robot"
	"apd/internal/scale"
	"apd/internal/types"
)

// 两类失败要分开：前置条件不满足是预期内的业务结果，设备故障是 I/O 异常。
// 调用方（计划驱动、HTTP 层）按类别决定提示文案和是否触发重连。

// PreconditionError 表示步骤的前置条件未满足，机器人程序没有被启动
type PreconditionError struct {
	Step   types.StepID
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("步骤 %s 前置条件不满足: %s", e.Step, e.Reason)
}

// DeviceFault 表示步骤因设备 I/O 失败而中止
type DeviceFault struct {
	Device types.DeviceName
	Step   types.StepID
	Err    error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("步骤 %s 设备 %s 故障: %v", e.Step, e.Device, e.Err)
}

func (e *DeviceFault) Unwrap() error { return e.Err }

// NeedsReconnectError 表示机器人控制器被切到本地模式，
// 必须人工恢复 Remote 后显式重连，自动重试无效
type NeedsReconnectError struct {
	Device types.DeviceName
	Resp   string
}

func (e *NeedsReconnectError) Error() string {
	return fmt.Sprintf("设备 %s 等待人工重连: %s", e.Device, e.Resp)
}

// classify 把网关抛上来的错误归类：连接 / 协议错误算设备故障，
// 其余一律按前置条件不满足处理
func classify(step types.StepID, reason error) error {
	var rc *robot.ConnError
	if errors.As(reason, &rc) {
		return &DeviceFault{Device: types.DeviceRobot, Step: step, Err: reason}
	}
	var sc *scale.ConnError
	if errors.As(reason, &sc) {
		return &DeviceFault{Device: types.DeviceScale, Step: step, Err: reason}
	}
	var se *scale.SessionError
	if errors.As(reason, &se) {
		return &DeviceFault{Device: types.DeviceScale, Step: step, Err: reason}
	}
	return &PreconditionError{Step: step, Reason: reason.Error()}
}
