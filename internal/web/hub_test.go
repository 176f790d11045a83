package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// 面板连上后能收到广播的工作单元快照
func TestHubBroadcastState(t *testing.T) {
	h := NewHub()
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("面板接入失败: %v", err)
	}
	defer conn.Close()

	// 等主循环完成注册再广播
	time.Sleep(100 * time.Millisecond)
	h.BroadcastState(WorkcellState{Phase: "dosing", PlanVial: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读快照失败: %v", err)
	}
	var got WorkcellState
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("快照不是合法 JSON: %v", err)
	}
	if got.Phase != "dosing" || got.PlanVial != 2 {
		t.Errorf("快照内容不对: %+v", got)
	}
}
