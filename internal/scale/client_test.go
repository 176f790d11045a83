package scale

import (
	"context"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"apd/internal/config"
	"apd/internal/simulator"
	"apd/internal/types"
)

func startSim(t *testing.T) (*simulator.Balance, *Client) {
	t.Helper()
	sim := simulator.NewBalance("secret")
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("解析仿真地址失败: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	c := NewClient(config.ScaleConfig{
		Scheme:     "http",
		IP:         host,
		Port:       port,
		Password:   "secret",
		TimeoutS:   3,
		DoorIDs:    []string{"DraftShield1"},
		OpenWidth:  100,
		CloseWidth: 0,
		MethodName: "Dosing",
	})
	return sim, c
}

func TestOpenSession(t *testing.T) {
	_, c := startSim(t)
	if err := c.OpenSession(); err != nil {
		t.Fatalf("开会话失败: %v", err)
	}
	if !c.HasSession() {
		t.Fatalf("开会话后应持有会话号")
	}
}

func TestDoors(t *testing.T) {
	sim, c := startSim(t)
	if err := c.OpenDoors(); err != nil {
		t.Fatalf("开门失败: %v", err)
	}
	if got := sim.Doors()["DraftShield1"]; got != 100 {
		t.Errorf("开门后开度应为 100, 实际 %d", got)
	}
	open, err := c.DoorsOpen()
	if err != nil || !open {
		t.Errorf("DoorsOpen 应为真: %v %v", open, err)
	}

	if err := c.CloseDoors(); err != nil {
		t.Fatalf("关门失败: %v", err)
	}
	if got := sim.Doors()["DraftShield1"]; got != 0 {
		t.Errorf("关门后开度应为 0, 实际 %d", got)
	}
}

func TestWeighing(t *testing.T) {
	sim, c := startSim(t)
	sim.SetGross(14.5)
	w, err := c.GetWeights()
	if err != nil {
		t.Fatalf("读重失败: %v", err)
	}
	if w.GrossG != 14.5 {
		t.Errorf("毛重不对: %v", w.GrossG)
	}
	if err := c.Zero(); err != nil {
		t.Fatalf("清零失败: %v", err)
	}
	if err := c.Tare(); err != nil {
		t.Fatalf("去皮失败: %v", err)
	}
}

func TestSampleGross(t *testing.T) {
	sim, c := startSim(t)
	sim.SetGross(2.0)
	samples := c.SampleGross(context.Background(), 4, time.Millisecond)
	if len(samples) != 4 {
		t.Fatalf("期望 4 个样本, 实际 %d", len(samples))
	}
	for _, s := range samples {
		if s != 2.0 {
			t.Errorf("样本值不对: %v", s)
		}
	}
}

// 会话失效时应重开会话并重试一次，对调用方透明
func TestSessionRetry(t *testing.T) {
	sim, c := startSim(t)
	if err := c.OpenSession(); err != nil {
		t.Fatalf("开会话失败: %v", err)
	}
	sim.ExpireSession()
	if err := c.Zero(); err != nil {
		t.Fatalf("会话失效后的调用应透明重试成功: %v", err)
	}
}

func TestDosingFlow(t *testing.T) {
	sim, c := startSim(t)

	res, err := c.StartDosingJobList(types.DosingJob{
		VialName:      "E1-3",
		SubstanceName: "NaHCO3",
		TargetValue:   5,
		TargetUnit:    "mg",
		LowerTol:      0.25,
		UpperTol:      0.25,
		TolUnit:       "mg",
	})
	if err != nil {
		t.Fatalf("下发作业失败: %v", err)
	}
	if !res.Accepted() || res.CommandID != "42" {
		t.Fatalf("下发应答不对: %+v", res)
	}
	if jobs := sim.StartedJobs(); len(jobs) != 1 || jobs[0] != "NaHCO3" {
		t.Errorf("仿真端没记录作业: %v", jobs)
	}

	// 排一条待确认动作、一条作业结束、一条终止，消费循环应自动确认并退出
	sim.QueueAction("PlaceVial", "E1-3")
	sim.QueueJobFinished("E1-3", "NaHCO3", 5.0, 5.1, 0.25)
	sim.QueueAutomationFinished()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	done := make(chan error, 1)
	go func() {
		done <- c.AutoConfirmNotifications(context.Background(), 1, log)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("消费循环失败: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("消费循环没有在终止通知后退出")
	}

	if confirmed := sim.Confirmed(); len(confirmed) != 1 || confirmed[0] != "PlaceVial" {
		t.Errorf("待确认动作没有被自动确认: %v", confirmed)
	}
}

func TestDosingRejected(t *testing.T) {
	sim, c := startSim(t)
	sim.RejectNextJob()
	res, err := c.StartDosingJobList(types.DosingJob{SubstanceName: "X", TargetValue: 1, TargetUnit: "mg"})
	if err != nil {
		t.Fatalf("下发不应报传输错误: %v", err)
	}
	if res.Accepted() {
		t.Fatalf("被拒绝的作业 Outcome 不应为 Success: %+v", res)
	}
}

func TestCancelChain(t *testing.T) {
	sim, c := startSim(t)
	if err := c.CancelDosing(); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	cancels := sim.Cancels()
	if len(cancels) == 0 || cancels[0] != "CancelCurrentDosingJobListAsync" {
		t.Errorf("应先走作业清单取消: %v", cancels)
	}
}

func TestDosingHead(t *testing.T) {
	sim, c := startSim(t)
	sim.SetHead("NaHCO3")
	head, err := c.ReadDosingHead()
	if err != nil {
		t.Fatalf("读头失败: %v", err)
	}
	if head.Substance != "NaHCO3" {
		t.Errorf("物质名不对: %q", head.Substance)
	}
	if err := c.WriteDosingHead("Powder", "KCl"); err != nil {
		t.Fatalf("写头失败: %v", err)
	}
	head, err = c.ReadDosingHead()
	if err != nil || head.Substance != "KCl" {
		t.Errorf("写回后读出不对: %+v %v", head, err)
	}
}

func TestTargetAndTolerances(t *testing.T) {
	_, c := startSim(t)
	// 没有活动任务时读目标量应报错，可用作任务状态探测
	if _, err := c.GetTargetAndTolerances(); err == nil {
		t.Fatalf("无任务时读目标量应报错")
	}
	if err := c.SetTargetAndTolerances(5.0, 0.25, 0.25); err != nil {
		t.Fatalf("写目标量失败: %v", err)
	}
	setting, err := c.GetTargetAndTolerances()
	if err != nil {
		t.Fatalf("读目标量失败: %v", err)
	}
	if setting.TargetG != 0.005 || setting.LowerTolG != 0.00025 {
		t.Errorf("目标量应换算成克: %+v", setting)
	}
}

func TestInTolerance(t *testing.T) {
	n := Notification{TargetG: 0.005, NetG: 0.0051, LowerTolG: 0.00025, UpperTolG: 0.00025}
	if !n.InTolerance() {
		t.Errorf("0.1mg 偏差在 0.25mg 容差内, 应判在差")
	}
	n.NetG = 0.006
	if n.InTolerance() {
		t.Errorf("1mg 偏差超出 0.25mg 容差, 应判超差")
	}
}
