package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"apd/internal/event"
	"apd/internal/metrics"
	"apd/internal/types"
	"apd/internal/util"
)

// dosingRun 是一次加样的后台通知消费 worker
// 同一时刻最多存在一个，生命周期完全包在一次加样步骤里
type dosingRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// RunDosing 执行一次加样：关门 → 去皮 → 下发作业清单 → 后台消费通知流，
// 阻塞到 AutomationFinished、取消或设备错误。
// Outcome 不是字面的 Success、带启动错误或作业级错误时绝不启动消费 worker。
func (s *Sequencer) RunDosing(ctx context.Context, job types.DosingJob) error {
	if !s.begin() {
		return fmt.Errorf("已有步骤在执行，拒绝并发加样")
	}
	defer s.end()

	traceID, ok := util.TraceIDFromContext(ctx)
	if !ok {
		traceID = util.NewTraceID()
	}
	log := s.log.With("trace_id", traceID,
		"vial", job.VialName, "substance", job.SubstanceName)

	// 加样前必须关防风罩；瓶已在盘上，去皮后净重即粉末量
	if err := s.bal.CloseDoors(); err != nil {
		return s.dosingFailed(traceID, job, classify(types.StepOther, err), log)
	}
	if err := s.bal.Tare(); err != nil {
		return s.dosingFailed(traceID, job, classify(types.StepOther, err), log)
	}

	res, err := s.bal.StartDosingJobList(job)
	if err != nil {
		return s.dosingFailed(traceID, job, classify(types.StepOther, err), log)
	}
	if !res.Accepted() {
		err := fmt.Errorf("加样作业被拒绝: outcome=%s%s", res.Outcome, res.Diagnose())
		return s.dosingFailed(traceID, job, err, log)
	}
	log.Info("加样作业已下发", slog.String("command_id", res.CommandID))
	metrics.DosingJobsTotal.WithLabelValues("started").Inc()
	s.bus.Publish(event.Event{
		Type: event.DosingStarted, TraceID: traceID, Substance: job.SubstanceName,
	})

	// 通知消费跑在专职 worker 上，同时保持本地可取消
	dctx, cancel := context.WithCancel(ctx)
	run := &dosingRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.dosing = run
	s.mu.Unlock()

	var workerErr error
	go func() {
		defer close(run.done)
		workerErr = s.bal.AutoConfirmNotifications(dctx, s.longPollS(), log)
	}()

	<-run.done
	cancelled := dctx.Err() != nil
	cancel()
	s.mu.Lock()
	s.dosing = nil
	s.mu.Unlock()

	if workerErr != nil {
		return s.dosingFailed(traceID, job, classify(types.StepOther, workerErr), log)
	}
	if ctx.Err() != nil {
		return s.dosingFailed(traceID, job, ctx.Err(), log)
	}
	if cancelled {
		// 本地停止信号（CancelDosing）导致的退出
		return s.dosingFailed(traceID, job, fmt.Errorf("加样被取消"), log)
	}

	metrics.DosingJobsTotal.WithLabelValues("finished").Inc()
	log.Info("加样完成")
	s.bus.Publish(event.Event{
		Type: event.DosingFinished, TraceID: traceID, Substance: job.SubstanceName,
	})
	return nil
}

func (s *Sequencer) dosingFailed(traceID string, job types.DosingJob, err error, log *slog.Logger) error {
	metrics.DosingJobsTotal.WithLabelValues("failed").Inc()
	log.Error("加样失败", slog.Any("error", err))
	s.bus.Publish(event.Event{
		Type: event.DosingFailed, TraceID: traceID,
		Substance: job.SubstanceName, Error: err,
	})
	return err
}

func (s *Sequencer) longPollS() int {
	if s.cfg.Sequencer.LongPollS > 0 {
		return s.cfg.Sequencer.LongPollS
	}
	return 10
}

// CancelDosing 取消正在进行的加样：
// 先拉本地停止信号让消费 worker 退出，再走设备侧逐级取消，
// 最后短暂等 worker 收尾。设备侧取消静默失效时本地信号兜底。
func (s *Sequencer) CancelDosing() error {
	s.mu.Lock()
	run := s.dosing
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}

	err := s.bal.CancelDosing()
	if err != nil {
		s.log.Warn("设备侧取消失败，依赖本地停止信号", slog.Any("error", err))
	}

	if run != nil {
		select {
		case <-run.done:
		case <-time.After(3 * time.Second):
			s.log.Warn("等待通知消费 worker 退出超时")
		}
	}
	return err
}

// DosingActive 报告当前是否有加样 worker 存活
func (s *Sequencer) DosingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dosing != nil
}
