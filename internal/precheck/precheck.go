// Package precheck 在每个机械臂步骤起跑前核对工位的物理状态，
// 用天平的门位与称重读数推断秤盘上有没有东西、加样头对不对。
package precheck

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"apd/internal/config"
	"apd/internal/scale"
	"apd/internal/types"
)

// Balance 是前置检查需要的天平能力子集
type Balance interface {
	DoorsOpen() (bool, error)
	SampleGross(ctx context.Context, n int, delay time.Duration) []float64
	ReadDosingHead() (scale.DosingHead, error)
}

// PanState 是秤盘占用判定的三态结果
// 采不到任何样本时既不能说空也不能说有，必须单列 Unknown 让调用方自己选失败侧
type PanState int

const (
	PanUnknown PanState = iota
	PanEmpty
	PanOccupied
)

func (s PanState) String() string {
	switch s {
	case PanEmpty:
		return "empty"
	case PanOccupied:
		return "occupied"
	default:
		return "unknown"
	}
}

// Evaluator 基于天平读数做前置条件判定
type Evaluator struct {
	bal Balance
	cfg config.ScaleConfig
	log *slog.Logger
}

func NewEvaluator(bal Balance, cfg config.ScaleConfig, log *slog.Logger) *Evaluator {
	return &Evaluator{bal: bal, cfg: cfg, log: log}
}

// CheckDoorsOpen 确认防风罩处于打开状态
func (e *Evaluator) CheckDoorsOpen() error {
	open, err := e.bal.DoorsOpen()
	if err != nil {
		return err
	}
	if !open {
		return fmt.Errorf("防风罩未打开")
	}
	return nil
}

// PanEmptyState 连续采样判定秤盘是否为空
// 判空条件：|均值| < max(固定阈值, 5×样本标准差)
// 标准差项吸收气流抖动：读数噪声大时自动放宽阈值，免得把空盘误判成有料
func (e *Evaluator) PanEmptyState(ctx context.Context) (PanState, types.WeightStats) {
	n := e.cfg.SampleCount
	if n <= 0 {
		n = 8
	}
	delay := time.Duration(e.cfg.SampleDelayMs) * time.Millisecond
	samples := e.bal.SampleGross(ctx, n, delay)

	stats := types.WeightStats{N: len(samples)}
	if len(samples) == 0 {
		return PanUnknown, stats
	}

	mean, std := meanStd(samples)
	threshG := e.cfg.PanEmptyThreshMg / 1000.0
	eff := math.Max(threshG, 5*std)

	stats.MeanGrossG = mean
	stats.StdGrossG = std
	stats.ThresholdG = eff

	e.log.Debug("秤盘判空采样",
		slog.Int("n", len(samples)),
		slog.Float64("mean_g", mean),
		slog.Float64("std_g", std),
		slog.Float64("threshold_g", eff))

	if math.Abs(mean) < eff {
		return PanEmpty, stats
	}
	return PanOccupied, stats
}

// CheckPanEmpty 要求秤盘为空；Unknown 按失败处理（放瓶前宁可多查一次）
func (e *Evaluator) CheckPanEmpty(ctx context.Context) error {
	state, stats := e.PanEmptyState(ctx)
	switch state {
	case PanEmpty:
		return nil
	case PanOccupied:
		return fmt.Errorf("秤盘非空（毛重均值 %.4f g，阈值 %.4f g）",
			stats.MeanGrossG, stats.ThresholdG)
	default:
		return fmt.Errorf("秤盘状态未知（采样 0 个）")
	}
}

// CheckPanPresent 要求秤盘上有瓶：毛重均值不低于在位下限
// 取瓶步骤用；Unknown 同样按失败处理，空抓比多等一轮更糟
func (e *Evaluator) CheckPanPresent(ctx context.Context) error {
	n := e.cfg.SampleCount
	if n <= 0 {
		n = 8
	}
	delay := time.Duration(e.cfg.SampleDelayMs) * time.Millisecond
	samples := e.bal.SampleGross(ctx, n, delay)
	if len(samples) == 0 {
		return fmt.Errorf("秤盘状态未知（采样 0 个）")
	}
	mean, _ := meanStd(samples)
	minG := e.cfg.VialPresenceMinMg / 1000.0
	if mean < minG {
		return fmt.Errorf("秤盘上没有瓶（毛重均值 %.4f g，在位下限 %.4f g）", mean, minG)
	}
	return nil
}

// CheckDispenserLabel 核对当前加样头标签与期望物质是否一致
// 用于归还加样头前确认抓到的是对的头
func (e *Evaluator) CheckDispenserLabel(wantSubstance string) (string, error) {
	head, err := e.bal.ReadDosingHead()
	if err != nil {
		return "", err
	}
	got := config.NormalizeLabel(head.Substance)
	want := config.NormalizeLabel(wantSubstance)
	if got != want {
		return head.Substance, fmt.Errorf("加样头标签 %q 与期望物质 %q 不符", head.Substance, wantSubstance)
	}
	return head.Substance, nil
}

// CheckNoDispenser 要求当前没有插加样头（取新头之前）
// 读头失败视为没插头：固件对空插槽回失败 Outcome
func (e *Evaluator) CheckNoDispenser() error {
	head, err := e.bal.ReadDosingHead()
	if err != nil {
		return nil
	}
	if head.Substance != "" || head.HeadType != "" {
		return fmt.Errorf("加样位已插着头（%s）", head.Substance)
	}
	return nil
}

// meanStd 计算样本均值与样本标准差（n-1 分母，单样本时标准差取 0）
func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
