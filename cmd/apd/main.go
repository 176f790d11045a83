package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"apd/internal/config"
	"apd/internal/devices"
	"apd/internal/event"
	"apd/internal/handlers"
	"apd/internal/persistence"
	"apd/internal/plan"
	"apd/internal/precheck"
	"apd/internal/sequencer"
	"apd/internal/types"
	"apd/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是应用程序的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	eventBus := event.NewBus()

	hub := web.NewHub()
	go hub.Run()

	manager := devices.NewManager(cfg, eventBus, logger)
	stateTracker := web.NewStateTracker(hub, manager)

	journal, err := persistence.NewJournal(cfg.JournalPath)
	if err != nil {
		logger.Error("无法初始化运行日志", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	// 上次没走完的样瓶只提示，不自动续跑：计划从头重跑才安全
	if unfinished, err := journal.Unfinished(); err == nil && len(unfinished) > 0 {
		logger.Warn("上次运行有未走完的样瓶", "vials", unfinished)
	}

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, manager, logger)

	// 3. 组装编排器与计划驱动
	eval := precheck.NewEvaluator(manager.Scale(), cfg.Scale, logger)
	seq := sequencer.New(manager.Robot(), manager.Scale(), eval, cfg, eventBus, logger)
	driver := plan.NewDriver(seq, manager, cfg, eventBus, journal, logger)
	runner := sequencer.NewRunner(logger)

	logger.Info("=== 粉末分装工作单元编排服务启动 ===")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runner.Start(ctx)
	go manager.Heartbeat(ctx)
	go startAPIServer(cfg, runner, seq, driver, manager, hub, stateTracker, logger)

	// 4. 优雅停机
	waitForShutdown(logger, cancel, runner)
}

// startAPIServer 启动 API 和 Web 服务器
func startAPIServer(cfg *config.Config, runner *sequencer.Runner, seq *sequencer.Sequencer,
	driver *plan.Driver, manager *devices.Manager, hub *web.Hub, st *web.StateTracker, logger *slog.Logger) {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.Snapshot())
	})

	mux.HandleFunc("/api/programs", func(w http.ResponseWriter, r *http.Request) {
		programs, err := manager.Robot().ListPrograms()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(programs)
	})

	// 单步执行：排进串行队列立即返回
	mux.HandleFunc("/api/step", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req types.StepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析步骤请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runner.Submit(&sequencer.Run{
			Name: "step-" + string(req.Step),
			Fn: func(ctx context.Context) error {
				if err := manager.EnsureAll(ctx); err != nil {
					return err
				}
				return seq.RunStep(ctx, req)
			},
		})
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	})

	// 手动加样
	mux.HandleFunc("/api/dosing", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var job types.DosingJob
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runner.Submit(&sequencer.Run{
			Name: "dosing-" + job.SubstanceName,
			Fn: func(ctx context.Context) error {
				if err := manager.EnsureScale(ctx); err != nil {
					return err
				}
				return seq.RunDosing(ctx, job)
			},
		})
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	})

	// 手工称量的目标量：GET 读当前任务设置，POST 直接写到天平面板
	mux.HandleFunc("/api/target", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			setting, err := manager.Scale().GetTargetAndTolerances()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]float64{
				"target_mg":    setting.TargetG * 1000,
				"lower_tol_mg": setting.LowerTolG * 1000,
				"upper_tol_mg": setting.UpperTolG * 1000,
			})
		case http.MethodPost:
			var req struct {
				TargetMg   float64 `json:"target_mg"`
				LowerTolMg float64 `json:"lower_tol_mg"`
				UpperTolMg float64 `json:"upper_tol_mg"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := manager.Scale().SetTargetAndTolerances(req.TargetMg, req.LowerTolMg, req.UpperTolMg); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/dosing/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := seq.CancelDosing(); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// 整份计划：请求体就是计划 JSON，宽松解析后整体排队
	mux.HandleFunc("/api/plan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := plan.Parse(raw)
		if err != nil {
			logger.Warn("计划加载失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runner.Submit(&sequencer.Run{
			Name: "plan",
			Fn: func(ctx context.Context) error {
				return driver.Run(ctx, p)
			},
		})
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"status": "queued", "vials": len(p.Vials)})
	})

	// 急停：绕过队列直接 stop，任何时刻可用
	mux.HandleFunc("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := seq.StopRobot(); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// 人工重连：解除设备的等待人工重连终态
	mux.HandleFunc("/api/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Device types.DeviceName `json:"device"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := manager.Reconnect(r.Context(), req.Device); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	fs := http.FileServer(http.Dir("./web/static"))
	mux.Handle("/", fs)

	logger.Info("API 和前端服务器启动", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Error("API 服务器启动失败", "error", err)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, runner *sequencer.Runner) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	cancel()
	runner.WaitForCompletion()
	logger.Info("编排服务已安全退出。")
}
