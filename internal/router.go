package internal

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// ConnState 連線在路由器中的狀態
//
//	Admitted → Routing → Closed
//
// Closed 為終態；Closed 之後收到的 payload 一律丟棄。
type ConnState int32

const (
	StateAdmitted ConnState = iota
	StateRouting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateRouting:
		return "routing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 路由結果類型（指標標籤）
const (
	RouteChat   = "chat"
	RouteSystem = "system"
	RouteRaw    = "raw"
)

// Router 訊息路由器
//
// 入站 payload 的處理規則：
//   - chat：以伺服器登記的名稱覆寫 username（防止冒名），缺少 timestamp 時補上，其餘欄位原樣保留
//   - system：原樣轉發
//   - 其他（非 JSON、未知 type、欄位型別錯誤）：包成 chat，content 為原始文字
//
// 所有情況都廣播給發送者以外的房間成員。
type Router struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewRouter 創建路由器
func NewRouter(logger *slog.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, metrics: metrics}
}

// Route 將入站 payload 轉為要廣播的位元組，並回傳路由類型
func (rt *Router) Route(p *Participant, payload []byte) ([]byte, string, error) {
	in, err := DecodeMessage(payload)
	if err != nil {
		rt.logger.Debug("無法解析的訊息，改以純文字轉發",
			"room_id", p.RoomID,
			"username", p.Username,
			"error", err)
	}

	if in.Raw {
		data, err := NewChatMessage(p.Username, in.Text).Encode()
		return data, RouteRaw, err
	}

	switch in.Message.Type {
	case TypeChat:
		overrides := map[string]string{"username": p.Username}
		if in.Message.Timestamp == "" {
			overrides["timestamp"] = Now()
		}
		data, err := in.encodeWith(overrides)
		return data, RouteChat, err
	default:
		return payload, RouteSystem, nil
	}
}

// Session 一條已准入連線的路由狀態
type Session struct {
	participant *Participant
	room        *Room
	router      *Router

	state     atomic.Int32
	closeOnce sync.Once
}

// NewSession 建立 Admitted 狀態的 session
func (rt *Router) NewSession(p *Participant, room *Room) *Session {
	s := &Session{participant: p, room: room, router: rt}
	s.state.Store(int32(StateAdmitted))
	return s
}

// State 目前狀態
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

// Participant 對應的成員
func (s *Session) Participant() *Participant {
	return s.participant
}

// Handle 路由一則入站 payload，回傳成功入列的接收者數量
//
// 第一則 payload 讓狀態從 Admitted 進入 Routing；Closed 之後直接丟棄。
func (s *Session) Handle(payload []byte) int {
	if !s.state.CompareAndSwap(int32(StateAdmitted), int32(StateRouting)) &&
		s.State() != StateRouting {
		return 0
	}

	data, kind, err := s.router.Route(s.participant, payload)
	if err != nil {
		s.router.logger.Error("序列化訊息失敗",
			"room_id", s.participant.RoomID,
			"username", s.participant.Username,
			"error", err)
		return 0
	}

	s.router.metrics.messageRouted(kind)
	return s.room.Broadcast(data, s.participant.Peer)
}

// Close 進入 Closed 並從房間移除（只執行一次，可重複呼叫）
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.room.Remove(s.participant.Peer) {
			s.router.logger.Info("使用者離開房間",
				"room_id", s.participant.RoomID,
				"username", s.participant.Username)
		}
	})
}
