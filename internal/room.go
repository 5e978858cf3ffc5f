package internal

import (
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   多個連線同時加入、發言、斷線時，如何維持房間成員表的一致性？
//
// 核心挑戰：
//   1. 使用者名稱唯一：兩個同名連線同時加入，最多只能成功一個
//   2. 廣播不丟失：仍在線的成員都應收到訊息，慢速連線不能拖累其他人
//   3. 順序一致：同一房間內，每個接收者看到的訊息順序相同
//   4. 重複關閉：close / error 事件可能同時觸發移除
//
// 設計方案：
//   ✅ 每個房間一把 RWMutex，檢查 + 插入 + 通知在同一個臨界區內完成
//   ✅ 廣播只做非阻塞入列（每個連線自己的緩衝 channel），寫鎖即為房間的排序點
//   ✅ 跟不上的連線由傳輸端斷開，離開通知照常發出
//   ✅ 成員表以連線身分（指標）為鍵，移除為冪等操作

// Peer 房間成員的傳輸端
//
// 實作必須是指標型別：成員表以介面值為鍵，比較的是身分而非內容。
type Peer interface {
	// Send 非阻塞投遞；連線已關閉或緩衝區已滿時回傳 false。
	// 緩衝區已滿的實作必須自行斷開，之後的 Send 一律回傳 false，
	// 仍在線的成員不會收到有缺口的訊息流。
	Send(data []byte) bool
}

// Participant 成員資訊
type Participant struct {
	Peer     Peer      `json:"-"`
	Username string    `json:"username"`
	RoomID   string    `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Room 聊天房間
type Room struct {
	ID        string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`

	mu         sync.RWMutex
	members    map[Peer]*Participant
	order      []*Participant // 加入順序，只用於列表
	lastActive time.Time
	expired    bool // 已從 Registry 移除，不再接受新成員

	logger  *slog.Logger
	metrics *Metrics
}

// NewRoom 創建空房間
func NewRoom(id string, logger *slog.Logger, metrics *Metrics) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Room{
		ID:         id,
		CreatedAt:  now,
		members:    make(map[Peer]*Participant),
		lastActive: now,
		logger:     logger,
		metrics:    metrics,
	}
}

// Admit 加入成員
//
// 名稱檢查、插入、加入通知與成員列表在同一個寫鎖內完成：
// 同名的並發加入只有一個能成功，而新成員收到的列表正好是加入當下的成員表。
func (r *Room) Admit(peer Peer, username string) (*Participant, error) {
	if username == "" {
		return nil, ErrUsernameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.expired {
		return nil, ErrRoomNotFound.WithDetails(r.ID)
	}

	if _, exists := r.members[peer]; exists {
		return nil, ErrInternal.WithDetails("connection already admitted")
	}

	// 大小寫敏感的完全比對
	for _, p := range r.order {
		if p.Username == username {
			return nil, ErrUsernameTaken.WithDetails(username)
		}
	}

	participant := &Participant{
		Peer:     peer,
		Username: username,
		RoomID:   r.ID,
		JoinedAt: time.Now(),
	}
	r.members[peer] = participant
	r.order = append(r.order, participant)
	r.lastActive = participant.JoinedAt
	r.metrics.memberJoined()

	r.fanout(JoinedMessage(username), peer)
	r.deliver(participant, UserListMessage(r.usernamesLocked()))

	return participant, nil
}

// Remove 移除成員
//
// 冪等：不存在的連線直接回傳 false，不會送出離開通知。
func (r *Room) Remove(peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	participant, exists := r.members[peer]
	if !exists {
		return false
	}

	delete(r.members, peer)
	for i, p := range r.order {
		if p == participant {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.lastActive = time.Now()
	r.metrics.memberLeft()

	r.fanout(LeftMessage(participant.Username), nil)

	return true
}

// Broadcast 廣播已編碼的訊息給 exclude 以外的所有成員，回傳成功入列的數量
func (r *Room) Broadcast(data []byte, exclude Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()
	return r.fanoutBytes(data, exclude)
}

// BroadcastMessage 編碼後廣播
func (r *Room) BroadcastMessage(msg Message, exclude Peer) int {
	data, err := msg.Encode()
	if err != nil {
		r.logger.Error("序列化訊息失敗", "room_id", r.ID, "error", err)
		return 0
	}
	return r.Broadcast(data, exclude)
}

// fanout 需要持有寫鎖
func (r *Room) fanout(msg Message, exclude Peer) int {
	data, err := msg.Encode()
	if err != nil {
		r.logger.Error("序列化訊息失敗", "room_id", r.ID, "error", err)
		return 0
	}
	return r.fanoutBytes(data, exclude)
}

// fanoutBytes 需要持有寫鎖
//
// 個別成員投遞失敗只記錄，不影響其他成員。
func (r *Room) fanoutBytes(data []byte, exclude Peer) int {
	delivered, failed := 0, 0
	for _, p := range r.order {
		if exclude != nil && p.Peer == exclude {
			continue
		}
		if p.Peer.Send(data) {
			delivered++
			continue
		}
		failed++
		r.logger.Warn("訊息投遞失敗",
			"room_id", r.ID,
			"username", p.Username,
			"error", ErrDeliveryFailure)
	}
	r.metrics.deliveryFailed(failed)
	return delivered
}

// deliver 單播，需要持有寫鎖
func (r *Room) deliver(p *Participant, msg Message) bool {
	data, err := msg.Encode()
	if err != nil {
		r.logger.Error("序列化訊息失敗", "room_id", r.ID, "error", err)
		return false
	}
	if !p.Peer.Send(data) {
		r.logger.Warn("訊息投遞失敗",
			"room_id", r.ID,
			"username", p.Username,
			"error", ErrDeliveryFailure)
		r.metrics.deliveryFailed(1)
		return false
	}
	return true
}

// Usernames 目前成員名稱（依加入順序）
func (r *Room) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usernamesLocked()
}

func (r *Room) usernamesLocked() []string {
	names := make([]string, 0, len(r.order))
	for _, p := range r.order {
		names = append(names, p.Username)
	}
	return names
}

// Participant 查詢連線對應的成員
func (r *Room) Participant(peer Peer) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.members[peer]
	return p, ok
}

// Count 成員數量
func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IsIdle 房間是否已空置超過 ttl
func (r *Room) IsIdle(ttl time.Duration, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0 && now.Sub(r.lastActive) > ttl
}

// expireIfIdle 空置超過 ttl 時標記為過期，之後的 Admit 一律視為房間不存在
//
// 檢查與標記在同一個寫鎖內，避免清理與加入交錯而把成員加進已被移除的房間。
func (r *Room) expireIfIdle(ttl time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.expired {
		return true
	}
	if len(r.members) > 0 || now.Sub(r.lastActive) <= ttl {
		return false
	}
	r.expired = true
	return true
}

// GetState 獲取房間狀態（用於序列化）
func (r *Room) GetState() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]any{
		"room_id":      r.ID,
		"usernames":    r.usernamesLocked(),
		"member_count": len(r.members),
		"created_at":   r.CreatedAt,
	}
}
