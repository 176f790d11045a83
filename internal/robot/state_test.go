package robot

import (
	"testing"

	"apd/internal/types"
)

func TestCanonProgramState(t *testing.T) {
	cases := []struct {
		raw  string
		want types.RunState
	}{
		{"PLAYING /programs/00Main/P1.urp", types.RunStateRunning},
		{"Program running: true", types.RunStateRunning},
		{"PAUSED /programs/00Main/P1.urp", types.RunStatePaused},
		{"Pausing program", types.RunStatePaused},
		{"STOPPED /programs/00Main/P1.urp", types.RunStateStopped},
		{"  stopped  ", types.RunStateStopped},
		{"", types.RunStateUnknown},
		{"garbage response", types.RunStateUnknown},
		{"could not understand", types.RunStateUnknown},
	}
	for _, c := range cases {
		if got := CanonProgramState(c.raw); got != c.want {
			t.Errorf("CanonProgramState(%q) = %v, 期望 %v", c.raw, got, c.want)
		}
	}
}

// 归一化必须是全函数且幂等：任何输入都落在四个状态之一，
// 把状态字符串再喂回去得到同一状态
func TestCanonProgramStateIdempotent(t *testing.T) {
	inputs := []string{"PLAYING x", "PAUSED", "STOPPED", "???", ""}
	for _, raw := range inputs {
		first := CanonProgramState(raw)
		second := CanonProgramState(string(first))
		if first != second {
			t.Errorf("归一化不幂等: %q → %v → %v", raw, first, second)
		}
	}
}

func TestExtractLoadedPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Loaded program: /programs/00Main/P1.urp", "/programs/00Main/P1.urp"},
		{"/programs/a.urp", "/programs/a.urp"},
		{"  Loaded program:   /x.urp  ", "/x.urp"},
		{"", ""},
	}
	for _, c := range cases {
		if got := ExtractLoadedPath(c.in); got != c.want {
			t.Errorf("ExtractLoadedPath(%q) = %q, 期望 %q", c.in, got, c.want)
		}
	}
}

func TestStepFromProgram(t *testing.T) {
	cases := []struct {
		path string
		want types.StepID
	}{
		{"/programs/00Main/P1Bastien.urp", types.StepP1},
		{"/programs/00Main/p2.urp", types.StepP2},
		{"P3_v2.urp", types.StepP3},
		{"/programs/P4.urp", types.StepP4},
		{"/programs/p1dir/calibrate.urp", types.StepOther},
		{"demo.urp", types.StepOther},
	}
	for _, c := range cases {
		if got := StepFromProgram(c.path); got != c.want {
			t.Errorf("StepFromProgram(%q) = %v, 期望 %v", c.path, got, c.want)
		}
	}
}

func TestIsOperatorLock(t *testing.T) {
	locked := []string{
		"command not allowed, controller is not in remote control mode",
		"please reconnect to port 29999",
		"Failed: not allowed due to safety reasons",
	}
	for _, resp := range locked {
		if !IsOperatorLock(resp) {
			t.Errorf("应判定为人工锁定: %q", resp)
		}
	}
	if IsOperatorLock("Starting program") {
		t.Errorf("正常应答不应判定为锁定")
	}
}
