package internal

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   每個參與者一條長連線，如何在不互相拖累的情況下收發訊息？
//
// 設計方案：
//   ✅ 每條連線兩個 goroutine：readPump 路由入站訊息，writePump 獨占寫入
//   ✅ 緩衝 channel 解耦：房間廣播只入列，緩衝區滿的慢速連線以 1013 斷開（不留下有缺口的訊息流）
//   ✅ Ping/Pong 心跳偵測死連線（預設 54s / 60s）
//   ✅ 准入失敗以 1008 + 原因文字關閉，讓被拒絕方知道原因

// ReasonSendOverflow 慢速連線被斷開時的關閉原因
const ReasonSendOverflow = "Send buffer overflow"

// WebSocketHub WebSocket 連接中心
type WebSocketHub struct {
	admission *Admission
	router    *Router
	logger    *slog.Logger
	cfg       *Config
	upgrader  websocket.Upgrader

	connections map[*Connection]struct{}
	mu          sync.RWMutex
	stopped     bool
	wg          sync.WaitGroup
}

// Connection WebSocket 連接
//
// 實作 Peer：Send 只把訊息放進緩衝 channel，實際寫入由 writePump 負責。
type Connection struct {
	RoomID   string
	Username string
	Conn     *websocket.Conn
	Hub      *WebSocketHub

	send        chan []byte
	session     *Session
	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(admission *Admission, router *Router, cfg *Config, logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	hub := &WebSocketHub{
		admission:   admission,
		router:      router,
		logger:      logger,
		cfg:         cfg,
		connections: make(map[*Connection]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
	}
	return hub
}

// checkOrigin 依 CORS 白名單檢查；非瀏覽器客戶端（終端機）不帶 Origin，一律允許
func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := hub.cfg.CORS.AllowedOrigins
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// ServeWS 處理 WebSocket 連接
//
// 房間 ID 取自路徑 {room_id}，沒有時取查詢參數 room；使用者名稱取自 username。
// 先完成升級再做准入，失敗時以關閉幀告知原因。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	roomID = NormalizeRoomID(roomID)
	username := r.URL.Query().Get("username")

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &Connection{
		RoomID:    roomID,
		Username:  username,
		Conn:      conn,
		Hub:       hub,
		send:      make(chan []byte, hub.cfg.WebSocket.SendBuffer),
		closeCode: websocket.CloseNormalClosure,
	}

	hub.mu.RLock()
	stopped := hub.stopped
	hub.mu.RUnlock()
	if stopped {
		c.reject(websocket.CloseGoingAway, "Server shutting down")
		return
	}

	participant, room, err := hub.admission.Admit(roomID, username, c)
	if err != nil {
		code, reason := CloseFrame(err)
		c.reject(code, reason)
		return
	}

	c.session = hub.router.NewSession(participant, room)
	if !hub.register(c) {
		// Stop 在准入之後才發生
		c.session.Close()
		c.reject(websocket.CloseGoingAway, "Server shutting down")
		return
	}

	hub.wg.Add(2)
	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"room_id", roomID,
		"username", username,
		"remote_addr", r.RemoteAddr)
}

// register 註冊連接，Hub 已停止時回傳 false
func (hub *WebSocketHub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.stopped {
		return false
	}
	hub.connections[c] = struct{}{}
	return true
}

// unregister 取消註冊連接
func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.connections, c)
}

// Stop 停止 WebSocket Hub
//
// 以 1001 關閉所有連線，並等待讀寫 goroutine 結束或 ctx 到期。
func (hub *WebSocketHub) Stop(ctx context.Context) error {
	hub.mu.Lock()
	hub.stopped = true
	conns := make([]*Connection, 0, len(hub.connections))
	for c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hub.logger.Info("WebSocket Hub 已停止", "closed", len(conns))
		return nil
	case <-ctx.Done():
		// 強制關閉仍未結束的底層連線
		for _, c := range conns {
			_ = c.Conn.Close()
		}
		return ctx.Err()
	}
}

// GetConnectionCount 各房間的連接數
func (hub *WebSocketHub) GetConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int)
	for c := range hub.connections {
		result[c.RoomID]++
	}
	return result
}

// Send 實作 Peer：非阻塞入列
//
// 緩衝區已滿時直接斷開連線：writePump 送完已入列的訊息後以 1013 關閉，
// readPump 結束時從房間移除並通知其他成員。
func (c *Connection) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.Hub.logger.Warn("發送緩衝區已滿，斷開慢速連線",
			"room_id", c.RoomID,
			"username", c.Username,
			"buffer", cap(c.send))
		c.closeLocked(websocket.CloseTryAgainLater, ReasonSendOverflow)
		return false
	}
}

// closeWith 設定關閉碼並關閉發送 channel（只生效一次）
func (c *Connection) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

// closeLocked 需要持有 c.mu
func (c *Connection) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// reject 准入失敗：直接寫關閉幀並關閉底層連線（此時 pump 尚未啟動）
func (c *Connection) reject(code int, reason string) {
	deadline := time.Now().Add(c.Hub.cfg.WebSocket.WriteWait)
	if err := c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		c.Hub.logger.Debug("發送關閉幀失敗", "error", err)
	}
	_ = c.Conn.Close()
}

// readPump 讀取客戶端消息
//
// 超過 PongWait 沒有收到任何資料（包括 Pong）就視為死連線。
// 結束時（正常關閉或錯誤）進入 Closed 並從房間移除。
func (c *Connection) readPump() {
	defer func() {
		c.session.Close()
		c.Hub.unregister(c)
		c.closeWith(websocket.CloseNormalClosure, "")
		c.Hub.wg.Done()
	}()

	cfg := c.Hub.cfg.WebSocket
	c.Conn.SetReadLimit(cfg.MaxMessageSize)

	if err := c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.Hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"room_id", c.RoomID,
					"username", c.Username)
			}
			return
		}

		// 二進位幀同樣當成文字處理
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			c.session.Handle(message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 唯一的寫入者：gorilla/websocket 不允許並發寫入。
func (c *Connection) writePump() {
	cfg := c.Hub.cfg.WebSocket
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
		c.Hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				// 連線可能已斷，忽略錯誤
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Debug("發送消息失敗",
					"error", err,
					"room_id", c.RoomID,
					"username", c.Username)
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
