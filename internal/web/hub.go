package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 管理面板端的 WebSocket 连接，把工作单元状态快照推给所有在线面板
// 通信是单向的：服务端推快照，面板不上行
type Hub struct {
	panels     map[*websocket.Conn]bool
	broadcast  chan []byte          // 待推送的序列化快照
	register   chan *websocket.Conn // 新上线的面板
	unregister chan *websocket.Conn // 断开的面板
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		panels:     make(map[*websocket.Conn]bool),
	}
}

// Run 是 Hub 的主循环：维护面板集合并分发快照
// 推送失败的面板当场摘除，不让一块坏面板拖住广播
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.panels[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.panels[conn]; ok {
				delete(h.panels, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.panels {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					slog.Warn("推送面板失败", "error", err)
					conn.Close()
					delete(h.panels, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastState 把一份工作单元快照序列化后推给所有面板
func (h *Hub) BroadcastState(state WorkcellState) {
	message, err := json.Marshal(state)
	if err != nil {
		slog.Error("序列化工作单元快照失败", "error", err)
		return
	}
	h.broadcast <- message
}

// upgrader 把面板的 HTTP 请求升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有来源的连接，生产环境中应配置为特定的域名
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理面板的 WebSocket 接入请求
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("升级 WebSocket 失败", "error", err)
		return
	}
	h.register <- conn
	// 没有 read pump：只做服务端到面板的单向推送
}
