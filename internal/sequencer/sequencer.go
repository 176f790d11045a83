// Package sequencer 是工作单元的核心编排器：对选定步骤（P1..P4/OTHER）
// 先做前置条件判定，再写目标寄存器、启动机械臂程序，轮询到程序停机为止。
// 加样步骤走天平作业清单 + 后台通知消费，见 dosing.go。
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"apd/internal/config"
	"apd/internal/event"
	"apd/internal/metrics"
	"apd/internal/precheck"
	"apd/internal/robot"
	"apd/internal/scale"
	"apd/internal/types"
	"apd/internal/util"
)

// Arm 是编排器需要的机械臂能力子集
type Arm interface {
	Stop() (string, error)
	Play() (string, error)
	ProgramState() (string, error)
	LoadProgram(path string) (string, error)
	ListPrograms() ([]string, error)
	SetVialRegister(value int) error
	SetDispRegister(value int) error
}

// Balance 是编排器需要的天平能力子集
type Balance interface {
	OpenDoors() error
	CloseDoors() error
	Tare() error
	ReadDosingHead() (scale.DosingHead, error)
	StartDosingJobList(job types.DosingJob) (scale.StartDosingResult, error)
	CancelDosing() error
	AutoConfirmNotifications(ctx context.Context, timeoutS int, log *slog.Logger) error
}

// Sequencer 驱动单个步骤从前置检查到停机的完整生命周期
// 同一时刻只允许一个步骤在跑，不支持并发步骤
type Sequencer struct {
	arm  Arm
	bal  Balance
	eval *precheck.Evaluator
	cfg  *config.Config
	bus  *event.Bus
	log  *slog.Logger

	mu     sync.Mutex
	busy   bool
	dosing *dosingRun // 当前活跃的通知消费 worker，没有时为 nil
}

func New(arm Arm, bal Balance, eval *precheck.Evaluator, cfg *config.Config, bus *event.Bus, log *slog.Logger) *Sequencer {
	return &Sequencer{
		arm:  arm,
		bal:  bal,
		eval: eval,
		cfg:  cfg,
		bus:  bus,
		log:  log.With("component", "sequencer"),
	}
}

func (s *Sequencer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Sequencer) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// RunStep 执行一个机械臂步骤，阻塞到程序停机或中止
// 前置条件不满足时返回 *PreconditionError，设备故障返回 *DeviceFault
func (s *Sequencer) RunStep(ctx context.Context, req types.StepRequest) error {
	if !s.begin() {
		return fmt.Errorf("已有步骤在执行，拒绝并发步骤")
	}
	defer s.end()

	traceID, ok := util.TraceIDFromContext(ctx)
	if !ok {
		traceID = util.NewTraceID()
		ctx = util.ContextWithTraceID(ctx, traceID)
	}
	log := s.log.With("trace_id", traceID, "step", string(req.Step))

	s.bus.Publish(event.Event{
		Type: event.StepStarted, TraceID: traceID,
		Step: req.Step, Vial: req.Vial, Slot: req.Slot,
	})
	start := time.Now()

	err := s.runStep(ctx, req, log)
	dur := time.Since(start)
	metrics.StepDuration.WithLabelValues(string(req.Step)).Observe(dur.Seconds())

	switch e := err.(type) {
	case nil:
		metrics.StepsTotal.WithLabelValues(string(req.Step), "success").Inc()
		log.Info("步骤完成", slog.Duration("elapsed", dur))
		s.bus.Publish(event.Event{
			Type: event.StepCompleted, TraceID: traceID,
			Step: req.Step, Vial: req.Vial, Slot: req.Slot,
		})
	case *PreconditionError:
		metrics.StepsTotal.WithLabelValues(string(req.Step), "precondition").Inc()
		log.Warn("步骤中止：前置条件不满足", slog.String("reason", e.Reason))
		s.bus.Publish(event.Event{
			Type: event.StepFailed, TraceID: traceID,
			Step: req.Step, Vial: req.Vial, Slot: req.Slot, Error: err,
		})
	case *NeedsReconnectError:
		metrics.StepsTotal.WithLabelValues(string(req.Step), "failed").Inc()
		log.Error("步骤中止：控制器等待人工重连", slog.String("resp", e.Resp))
		s.bus.Publish(event.Event{
			Type: event.DeviceNeedsReconnect, TraceID: traceID,
			Device: e.Device, Error: err,
		})
		s.bus.Publish(event.Event{
			Type: event.StepFailed, TraceID: traceID,
			Step: req.Step, Vial: req.Vial, Error: err,
		})
	default:
		metrics.StepsTotal.WithLabelValues(string(req.Step), "failed").Inc()
		log.Error("步骤中止", slog.Any("error", err))
		s.bus.Publish(event.Event{
			Type: event.StepFailed, TraceID: traceID,
			Step: req.Step, Vial: req.Vial, Slot: req.Slot, Error: err,
		})
	}
	return err
}

// runStep 是步骤生命周期的主干：
// 解析程序 → 前置条件 → stop → 写寄存器 → load → play → 轮询到停机
func (s *Sequencer) runStep(ctx context.Context, req types.StepRequest, log *slog.Logger) error {
	program, err := s.resolveProgram(req)
	if err != nil {
		return classify(req.Step, err)
	}

	regs, err := s.preconditions(ctx, req)
	if err != nil {
		return err
	}

	// 写寄存器前先 stop，保证没有残留程序在半途动作
	resp, err := s.arm.Stop()
	if err != nil {
		return &DeviceFault{Device: types.DeviceRobot, Step: req.Step, Err: err}
	}
	if robot.IsOperatorLock(resp) {
		return &NeedsReconnectError{Device: types.DeviceRobot, Resp: resp}
	}

	for _, w := range regs {
		if err := w(); err != nil {
			return &DeviceFault{Device: types.DeviceRobot, Step: req.Step, Err: err}
		}
	}

	resp, err = s.arm.LoadProgram(program)
	if err != nil {
		return &DeviceFault{Device: types.DeviceRobot, Step: req.Step, Err: err}
	}
	if robot.IsOperatorLock(resp) {
		return &NeedsReconnectError{Device: types.DeviceRobot, Resp: resp}
	}
	log.Info("程序已加载", slog.String("program", program), slog.String("resp", resp))

	resp, err = s.arm.Play()
	if err != nil {
		return &DeviceFault{Device: types.DeviceRobot, Step: req.Step, Err: err}
	}
	if robot.IsOperatorLock(resp) {
		return &NeedsReconnectError{Device: types.DeviceRobot, Resp: resp}
	}

	return s.pollUntilStopped(ctx, req.Step, log)
}

// resolveProgram 确定要跑的 .urp 并确认文件确实存在
func (s *Sequencer) resolveProgram(req types.StepRequest) (string, error) {
	program := req.Program
	if program == "" {
		p, err := s.cfg.StepProgram(req.Step)
		if err != nil {
			return "", err
		}
		program = p
	}
	listed, err := s.arm.ListPrograms()
	if err != nil {
		return "", err
	}
	full, found := robot.FindProgram(listed, program)
	if !found {
		return "", fmt.Errorf("程序文件不存在: %s", program)
	}
	return full, nil
}

// regWrite 是一次延迟到 stop 之后才执行的寄存器写入
type regWrite func() error

// preconditions 按步骤身份核对前置条件，返回待执行的寄存器写入
// 任何一条不满足都在 play 之前拒绝，机器人程序绝不投机启动
func (s *Sequencer) preconditions(ctx context.Context, req types.StepRequest) ([]regWrite, error) {
	switch req.Step {
	case types.StepP1:
		n, err := s.requireVial(req)
		if err != nil {
			return nil, err
		}
		if err := s.openDoorsChecked(req.Step); err != nil {
			return nil, err
		}
		if err := s.eval.CheckPanEmpty(ctx); err != nil {
			return nil, classify(req.Step, err)
		}
		return []regWrite{func() error { return s.arm.SetVialRegister(n) }}, nil

	case types.StepP2:
		if req.Slot == "" {
			return nil, &PreconditionError{Step: req.Step, Reason: "未选择存放位"}
		}
		n, err := s.cfg.SlotNumber(req.Slot)
		if err != nil {
			return nil, &PreconditionError{Step: req.Step, Reason: err.Error()}
		}
		if err := s.eval.CheckNoDispenser(); err != nil {
			return nil, classify(req.Step, err)
		}
		return []regWrite{func() error { return s.arm.SetDispRegister(n) }}, nil

	case types.StepP3:
		n, err := s.requireVial(req)
		if err != nil {
			return nil, err
		}
		if err := s.openDoorsChecked(req.Step); err != nil {
			return nil, err
		}
		if err := s.eval.CheckPanPresent(ctx); err != nil {
			return nil, classify(req.Step, err)
		}
		return []regWrite{func() error { return s.arm.SetVialRegister(n) }}, nil

	case types.StepP4:
		// 目标存放位不由操作员选，由加样头标签反查
		head, err := s.bal.ReadDosingHead()
		if err != nil {
			return nil, classify(req.Step, err)
		}
		if head.Substance == "" {
			return nil, &PreconditionError{Step: req.Step, Reason: "天平上没有加样头"}
		}
		// 计划驱动会带上刚加完的粉末名，归还前核对头没被人换过
		if req.Substance != "" {
			if _, err := s.eval.CheckDispenserLabel(req.Substance); err != nil {
				return nil, classify(req.Step, err)
			}
		}
		slot, n, found := s.cfg.FindSlotByLabel(head.Substance)
		if !found {
			return nil, &PreconditionError{Step: req.Step,
				Reason: fmt.Sprintf("加样头标签 %q 不匹配任何存放位", head.Substance)}
		}
		s.log.Info("按加样头标签反查存放位",
			slog.String("substance", head.Substance), slog.String("slot", string(slot)))
		return []regWrite{func() error { return s.arm.SetDispRegister(n) }}, nil

	default:
		// OTHER：样瓶可选，选了才写寄存器
		if req.Vial == "" {
			return nil, nil
		}
		n, err := s.cfg.VialNumber(req.Vial)
		if err != nil {
			return nil, &PreconditionError{Step: req.Step, Reason: err.Error()}
		}
		return []regWrite{func() error { return s.arm.SetVialRegister(n) }}, nil
	}
}

// openDoorsChecked 驱动开门并用门位读数复核
// 门驱动成功但实际没开（机械卡滞）时按前置失败中止，不能让机械臂撞门
func (s *Sequencer) openDoorsChecked(step types.StepID) error {
	if err := s.bal.OpenDoors(); err != nil {
		return classify(step, err)
	}
	if err := s.eval.CheckDoorsOpen(); err != nil {
		return classify(step, err)
	}
	return nil
}

func (s *Sequencer) requireVial(req types.StepRequest) (int, error) {
	if req.Vial == "" {
		return 0, &PreconditionError{Step: req.Step, Reason: "未选择样瓶"}
	}
	n, err := s.cfg.VialNumber(req.Vial)
	if err != nil {
		return 0, &PreconditionError{Step: req.Step, Reason: err.Error()}
	}
	return n, nil
}

// pollUntilStopped 轮询 programState 直到程序停机
// 防误判：play 之前残留的 STOPPED 不能当完成，
// 只有见过 RUNNING/PAUSED 或宽限窗口已过，STOPPED 才算数
func (s *Sequencer) pollUntilStopped(ctx context.Context, step types.StepID, log *slog.Logger) error {
	interval := time.Duration(s.cfg.Sequencer.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 700 * time.Millisecond
	}
	grace := time.Duration(s.cfg.Sequencer.GraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 2 * time.Second
	}

	started := time.Now()
	seenActive := false
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 运行中的程序只有硬 stop 一条退路
			if _, serr := s.arm.Stop(); serr != nil {
				log.Warn("取消时 stop 失败", slog.Any("error", serr))
			}
			return ctx.Err()
		case <-ticker.C:
		}

		raw, err := s.arm.ProgramState()
		if err != nil {
			return &DeviceFault{Device: types.DeviceRobot, Step: step, Err: err}
		}
		if robot.IsOperatorLock(raw) {
			return &NeedsReconnectError{Device: types.DeviceRobot, Resp: raw}
		}

		switch robot.CanonProgramState(raw) {
		case types.RunStateRunning, types.RunStatePaused:
			seenActive = true
		case types.RunStateStopped:
			if seenActive || time.Since(started) >= grace {
				return nil
			}
			// 宽限期内的 STOPPED 视为残留状态，继续等
		case types.RunStateUnknown:
			log.Debug("programState 无法识别", slog.String("raw", raw))
		}
	}
}

// StopRobot 硬停机械臂，任何时刻可用（全局急停入口）
func (s *Sequencer) StopRobot() error {
	resp, err := s.arm.Stop()
	if err != nil {
		return &DeviceFault{Device: types.DeviceRobot, Err: err}
	}
	if robot.IsOperatorLock(resp) {
		return &NeedsReconnectError{Device: types.DeviceRobot, Resp: resp}
	}
	return nil
}
