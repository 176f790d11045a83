package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"apd/internal/config"
	"apd/internal/event"
	"apd/internal/persistence"
	"apd/internal/types"
)

// fakeStepper 记录编排调用顺序
type fakeStepper struct {
	mu          sync.Mutex
	calls       []string
	p4Substance string // P4 请求带的核对粉末名
	fail        string // 匹配到这个调用名时报错
}

func (f *fakeStepper) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.fail != "" && call == f.fail {
		return errors.New("注入的失败")
	}
	return nil
}

func (f *fakeStepper) RunStep(ctx context.Context, req types.StepRequest) error {
	if req.Step == types.StepP4 {
		f.mu.Lock()
		f.p4Substance = req.Substance
		f.mu.Unlock()
	}
	name := string(req.Step)
	if req.Slot != "" {
		name += "(" + string(req.Slot) + ")"
	} else if req.Vial != "" {
		name += "(" + string(req.Vial) + ")"
	}
	return f.record(name)
}

func (f *fakeStepper) RunDosing(ctx context.Context, job types.DosingJob) error {
	return f.record(fmt.Sprintf("Dosing(%.1fmg)", job.TargetValue))
}

type fakeConnector struct{ ensured int }

func (f *fakeConnector) EnsureAll(ctx context.Context) error { f.ensured++; return nil }

func driverConfig() *config.Config {
	return &config.Config{
		Scale: config.ScaleConfig{TolerancePct: 5.0},
		Storage: config.StorageConfig{
			IDToNumber: map[string]int{"S1": 1, "S2": 2},
			Labels:     map[string]string{"S1": "NaHCO3", "S2": "Other"},
		},
	}
}

func newDriver(t *testing.T, seq Stepper, conn Connector) *Driver {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	journal, err := persistence.NewJournal(filepath.Join(t.TempDir(), "runs.journal"))
	if err != nil {
		t.Fatalf("建运行日志失败: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return NewDriver(seq, conn, driverConfig(), event.NewBus(), journal, log)
}

// 场景 E：一瓶两粉驱动出精确的调用序列
// P1(V1) → P2(NaHCO3位) → 加样(5.0mg) → P3 → P2(Other位) → 加样(3.0mg) → P3 → P4
func TestRunCallOrder(t *testing.T) {
	seq := &fakeStepper{}
	conn := &fakeConnector{}
	d := newDriver(t, seq, conn)

	p := &types.Plan{Vials: []types.VialEntry{{
		VialID: "V1",
		Powders: []types.PowderEntry{
			{Name: "NaHCO3", QtyMg: 5.0},
			{Name: "Other", QtyMg: 3.0},
		},
	}}}
	if err := d.Run(context.Background(), p); err != nil {
		t.Fatalf("计划应成功: %v", err)
	}

	want := []string{
		"P1(V1)",
		"P2(S1)", "Dosing(5.0mg)", "P3(V1)",
		"P2(S2)", "Dosing(3.0mg)", "P3(V1)",
		"P4(V1)",
	}
	if len(seq.calls) != len(want) {
		t.Fatalf("调用数不对: %v", seq.calls)
	}
	for i, w := range want {
		if seq.calls[i] != w {
			t.Fatalf("第 %d 个调用应是 %s, 实际 %s (%v)", i, w, seq.calls[i], seq.calls)
		}
	}
	if conn.ensured != 1 {
		t.Errorf("每瓶开跑前确认一次设备: %d", conn.ensured)
	}
	if seq.p4Substance != "Other" {
		t.Errorf("P4 应带最后一种粉末名供核对: %q", seq.p4Substance)
	}
}

// 首个错误立即终止，后续步骤不再执行
func TestRunAbortsOnFirstError(t *testing.T) {
	seq := &fakeStepper{fail: "P2(S1)"}
	d := newDriver(t, seq, &fakeConnector{})

	p := &types.Plan{Vials: []types.VialEntry{
		{VialID: "V1", Powders: []types.PowderEntry{{Name: "NaHCO3", QtyMg: 5.0}}},
		{VialID: "V2", Powders: []types.PowderEntry{{Name: "Other", QtyMg: 3.0}}},
	}}
	if err := d.Run(context.Background(), p); err == nil {
		t.Fatalf("注入失败后计划应报错")
	}
	for _, c := range seq.calls {
		if c == "P2(S2)" || c == "P4(V1)" || c == "P1(V2)" {
			t.Errorf("终止后不应继续: %v", seq.calls)
		}
	}
}

// 粉末名不匹配任何存放位标签 → 终止
func TestRunUnknownSubstance(t *testing.T) {
	seq := &fakeStepper{}
	d := newDriver(t, seq, &fakeConnector{})
	p := &types.Plan{Vials: []types.VialEntry{
		{VialID: "V1", Powders: []types.PowderEntry{{Name: "Unobtainium", QtyMg: 1.0}}},
	}}
	if err := d.Run(context.Background(), p); err == nil {
		t.Fatalf("未知粉末应终止计划")
	}
}

// 规则求值为假的瓶被跳过，计划继续
func TestRunRuleSkipsVial(t *testing.T) {
	seq := &fakeStepper{}
	d := newDriver(t, seq, &fakeConnector{})
	p := &types.Plan{Vials: []types.VialEntry{
		{VialID: "V1", Powders: []types.PowderEntry{{Name: "NaHCO3", QtyMg: 20}}, Rule: "total_mg < 10"},
		{VialID: "V2", Powders: []types.PowderEntry{{Name: "Other", QtyMg: 3}}},
	}}
	if err := d.Run(context.Background(), p); err != nil {
		t.Fatalf("计划应成功: %v", err)
	}
	for _, c := range seq.calls {
		if c == "P1(V1)" {
			t.Errorf("V1 应被规则跳过: %v", seq.calls)
		}
	}
	found := false
	for _, c := range seq.calls {
		if c == "P1(V2)" {
			found = true
		}
	}
	if !found {
		t.Errorf("V2 应被执行: %v", seq.calls)
	}
}

// 固定单圈：一瓶一粉走完整序列
func TestRunFixedLoop(t *testing.T) {
	seq := &fakeStepper{}
	d := newDriver(t, seq, &fakeConnector{})
	if err := d.RunFixedLoop(context.Background(), "E1-3", "NaHCO3", 5.0); err != nil {
		t.Fatalf("单圈应成功: %v", err)
	}
	want := []string{"P1(E1-3)", "P2(S1)", "Dosing(5.0mg)", "P3(E1-3)", "P4(E1-3)"}
	if len(seq.calls) != len(want) {
		t.Fatalf("调用序列不对: %v", seq.calls)
	}
}
