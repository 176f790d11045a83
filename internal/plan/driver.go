package plan

import (
	"context"
	"fmt"
	"log/slog"

	"apd/internal/config"
	"apd/internal/event"
	"apd/internal/metrics"
	"apd/internal/persistence"
	"apd/internal/types"
	"apd/internal/util"
)

// Stepper 是计划驱动需要的编排器能力
type Stepper interface {
	RunStep(ctx context.Context, req types.StepRequest) error
	RunDosing(ctx context.Context, job types.DosingJob) error
}

// Connector 在每瓶开跑前确认两台设备都在线，缺的连上
type Connector interface {
	EnsureAll(ctx context.Context) error
}

// Driver 深度优先地串行执行计划：
// 每瓶 P1，随后每种粉末依次 P2→加样→P3，最后 P4，再进下一瓶。
// 任何不可恢复错误立即终止整个计划，不跳瓶、不续跑。
type Driver struct {
	seq     Stepper
	conn    Connector
	cfg     *config.Config
	bus     *event.Bus
	journal *persistence.Journal
	log     *slog.Logger
}

func NewDriver(seq Stepper, conn Connector, cfg *config.Config, bus *event.Bus, journal *persistence.Journal, log *slog.Logger) *Driver {
	return &Driver{
		seq:     seq,
		conn:    conn,
		cfg:     cfg,
		bus:     bus,
		journal: journal,
		log:     log.With("component", "plan"),
	}
}

// Run 执行整份计划，阻塞到结束或首个错误
func (d *Driver) Run(ctx context.Context, p *types.Plan) error {
	runID, ok := util.TraceIDFromContext(ctx)
	if !ok {
		runID = util.NewTraceID()
		ctx = util.ContextWithTraceID(ctx, runID)
	}
	log := d.log.With("trace_id", runID)

	log.Info("计划开始", slog.Int("vials", len(p.Vials)))
	d.bus.Publish(event.Event{Type: event.PlanStarted, TraceID: runID})

	for i, v := range p.Vials {
		if err := ctx.Err(); err != nil {
			return d.failed(runID, err, log)
		}

		allow, err := RuleAllows(v)
		if err != nil {
			return d.failed(runID, fmt.Errorf("样瓶 %s 规则求值失败: %w", v.VialID, err), log)
		}
		if !allow {
			log.Info("规则不允许，跳过样瓶", slog.String("vial", string(v.VialID)))
			continue
		}

		log.Info("开始处理样瓶",
			slog.Int("index", i), slog.String("vial", string(v.VialID)),
			slog.Int("powders", len(v.Powders)))
		if d.journal != nil {
			if err := d.journal.Begin(runID, v.VialID); err != nil {
				log.Warn("写运行日志失败", slog.Any("error", err))
			}
		}

		if err := d.runVial(ctx, v); err != nil {
			return d.failed(runID, err, log)
		}

		if d.journal != nil {
			if err := d.journal.Done(runID, v.VialID); err != nil {
				log.Warn("写运行日志失败", slog.Any("error", err))
			}
		}
		metrics.PlanVialsDone.Inc()
		d.bus.Publish(event.Event{Type: event.PlanVialDone, TraceID: runID, Vial: v.VialID})
	}

	metrics.PlansTotal.WithLabelValues("success").Inc()
	log.Info("计划完成")
	d.bus.Publish(event.Event{Type: event.PlanCompleted, TraceID: runID})
	return nil
}

// runVial 按 P1 →（P2→加样→P3）* → P4 跑完一只样瓶
// 每个阶段只有在上一阶段的步骤报告完成后才推进，严格串行
func (d *Driver) runVial(ctx context.Context, v types.VialEntry) error {
	// 设备句柄可能被心跳置空，每瓶开跑前重新确认
	if err := d.conn.EnsureAll(ctx); err != nil {
		return fmt.Errorf("样瓶 %s: 设备连接失败: %w", v.VialID, err)
	}

	if err := d.seq.RunStep(ctx, types.StepRequest{Step: types.StepP1, Vial: v.VialID}); err != nil {
		return fmt.Errorf("样瓶 %s: %w", v.VialID, err)
	}

	for _, powder := range v.Powders {
		slot, _, found := d.cfg.FindSlotByLabel(powder.Name)
		if !found {
			return fmt.Errorf("样瓶 %s: 粉末 %q 不匹配任何存放位标签", v.VialID, powder.Name)
		}

		if err := d.seq.RunStep(ctx, types.StepRequest{
			Step: types.StepP2, Vial: v.VialID, Slot: slot,
		}); err != nil {
			return fmt.Errorf("样瓶 %s: %w", v.VialID, err)
		}

		if err := d.seq.RunDosing(ctx, d.jobFor(v.VialID, powder)); err != nil {
			return fmt.Errorf("样瓶 %s 粉末 %s: %w", v.VialID, powder.Name, err)
		}

		if err := d.seq.RunStep(ctx, types.StepRequest{
			Step: types.StepP3, Vial: v.VialID,
		}); err != nil {
			return fmt.Errorf("样瓶 %s: %w", v.VialID, err)
		}
	}

	// 归还时天平上插的是最后一种粉末的头，带上名字让编排器核对
	p4 := types.StepRequest{Step: types.StepP4, Vial: v.VialID}
	if n := len(v.Powders); n > 0 {
		p4.Substance = v.Powders[n-1].Name
	}
	if err := d.seq.RunStep(ctx, p4); err != nil {
		return fmt.Errorf("样瓶 %s: %w", v.VialID, err)
	}
	return nil
}

// jobFor 把计划里的粉末项换算成加样作业，容差按配置百分比对称取
func (d *Driver) jobFor(vial types.VialID, p types.PowderEntry) types.DosingJob {
	pct := d.cfg.Scale.TolerancePct
	if pct <= 0 {
		pct = 5.0
	}
	tol := p.QtyMg * pct / 100.0
	return types.DosingJob{
		VialName:      string(vial),
		SubstanceName: p.Name,
		TargetValue:   p.QtyMg,
		TargetUnit:    "mg",
		LowerTol:      tol,
		UpperTol:      tol,
		TolUnit:       "mg",
	}
}

// RunFixedLoop 固定配方的单圈执行：一瓶一粉，P1→P2→加样→P3→P4
// 面板上「跑一圈」按钮的后端
func (d *Driver) RunFixedLoop(ctx context.Context, vial types.VialID, powder string, qtyMg float64) error {
	p := &types.Plan{Vials: []types.VialEntry{{
		VialID:  vial,
		Powders: []types.PowderEntry{{Name: powder, QtyMg: qtyMg}},
	}}}
	return d.Run(ctx, p)
}

func (d *Driver) failed(runID string, err error, log *slog.Logger) error {
	metrics.PlansTotal.WithLabelValues("failed").Inc()
	log.Error("计划终止", slog.Any("error", err))
	d.bus.Publish(event.Event{Type: event.PlanFailed, TraceID: runID, Error: err})
	return err
}
