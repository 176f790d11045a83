package sequencer

import (
	"context"
	"log/slog"
	"sync"

	"apd/internal/util"
)

// Run 是一次排队执行的工作项（单个步骤或整张计划）
type Run struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Runner 维护一个严格先进先出的执行队列
// 工作单元只有一套机械臂和一台天平，执行必须串行，没有并发 worker
type Runner struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Run
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRunner 创建一个新的 Runner 实例
func NewRunner(logger *slog.Logger) *Runner {
	r := &Runner{
		logger: logger.With("component", "runner"),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Submit 把一个工作项放进队列并唤醒执行循环
func (r *Runner) Submit(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("接收到工作项", "name", run.Name, "queued", len(r.queue)+1)
	r.queue = append(r.queue, run)
	r.cond.Signal()
}

// Pending 返回还没执行的工作项数量
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Start 启动执行循环，一次取一个工作项跑到结束
// 上下文取消后不再取新项，正在跑的项由其自身的 ctx 负责中断
func (r *Runner) Start(ctx context.Context) {
	// 监听上下文取消信号，用于优雅停机
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		for len(r.queue) == 0 {
			if ctx.Err() != nil {
				r.mu.Unlock()
				return
			}
			r.cond.Wait()
		}
		if ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		run := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.wg.Add(1)
		// 生成 Trace ID 并注入 Context，贯穿这次执行的全部日志与事件
		traceID := util.NewTraceID()
		runCtx := util.ContextWithTraceID(ctx, traceID)

		if err := run.Fn(runCtx); err != nil {
			r.logger.Warn("工作项以失败结束",
				"name", run.Name, "trace_id", traceID, "error", err)
		} else {
			r.logger.Info("工作项完成", "name", run.Name, "trace_id", traceID)
		}
		r.wg.Done()
	}
}

// WaitForCompletion 等待正在执行的工作项结束，用于优雅停机
func (r *Runner) WaitForCompletion() {
	r.wg.Wait()
}
