package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// StepsTotal 计数器：机械臂步骤执行总数
	// 按步骤 (p1..p4/other) 和结果 (success/precondition/failed) 分类
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workcell_steps_total",
		Help: "The total number of executed robot steps",
	}, []string{"step", "status"})

	// StepDuration 直方图：步骤从加载程序到停机的耗时分布
	// 步骤耗时以十秒计，默认桶太密，这里放大
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workcell_step_duration_seconds",
		Help:    "Time from program load to program stop for each step",
		Buckets: []float64{1, 5, 10, 20, 40, 60, 120, 300},
	}, []string{"step"})

	// DosingJobsTotal 计数器：加样作业总数，按结果分类
	DosingJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workcell_dosing_jobs_total",
		Help: "The total number of dosing jobs",
	}, []string{"status"})

	// PlansTotal 计数器：配方计划执行总数，按结果分类
	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workcell_plans_total",
		Help: "The total number of dispensing plan runs",
	}, []string{"status"})

	// PlanVialsDone 计数器：计划里走完全程的样瓶数
	PlanVialsDone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workcell_plan_vials_done_total",
		Help: "The number of vials fully processed inside plan runs",
	})

	// DeviceUp 仪表盘：设备连接状态，1 在线 0 离线
	DeviceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workcell_device_up",
		Help: "Whether the device connection is currently healthy",
	}, []string{"device"})

	// DeviceReconnects 计数器：设备重连次数
	DeviceReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workcell_device_reconnects_total",
		Help: "The total number of device reconnect attempts",
	}, []string{"device"})
)
