package internal

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 產生房間 ID 的重試次數（隨機碰撞機率極低，只是保底）
const maxIDAttempts = 5

// Registry 房間註冊表
//
// 整個行程共用一份房間表；外部只能透過 Create / Lookup 操作，
// 原始 map 永遠不會暴露給呼叫端。
type Registry struct {
	rooms   map[string]*Room // roomID -> Room
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *Metrics

	newID           func() string
	idleTTL         time.Duration // 0 表示房間永不過期
	cleanupInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RegistryOption 註冊表選項
type RegistryOption func(*Registry)

// WithIdleTTL 啟用空房間清理：空置超過 ttl 的房間每 interval 掃描一次並移除
func WithIdleTTL(ttl, interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTTL = ttl
		r.cleanupInterval = interval
	}
}

// WithIDGenerator 替換隨機 ID 產生器
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		r.newID = fn
	}
}

// NewRegistry 創建房間註冊表
func NewRegistry(logger *slog.Logger, metrics *Metrics, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		rooms:           make(map[string]*Room),
		logger:          logger,
		metrics:         metrics,
		newID:           generateRoomID,
		cleanupInterval: time.Minute,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.idleTTL > 0 && r.cleanupInterval > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	return r
}

// NormalizeRoomID 房間 ID 不分大小寫
func NormalizeRoomID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Create 創建房間
//
// desiredID 正規化後非空時使用該 ID，已存在則回傳 ErrRoomAlreadyExists；
// 正規化後為空（包括只有空白）時產生 8 字元的隨機 ID。檢查與插入在同一個寫鎖內完成。
func (m *Registry) Create(desiredID string) (string, error) {
	id := NormalizeRoomID(desiredID)

	m.mu.Lock()
	defer m.mu.Unlock()

	generated := id == ""
	if !generated {
		if _, exists := m.rooms[id]; exists {
			return "", ErrRoomAlreadyExists.WithDetails(id)
		}
	} else {
		for attempt := 0; attempt < maxIDAttempts; attempt++ {
			candidate := NormalizeRoomID(m.newID())
			if _, exists := m.rooms[candidate]; candidate != "" && !exists {
				id = candidate
				break
			}
		}
		if id == "" {
			return "", ErrInternal.WithDetails("could not allocate room id")
		}
	}

	m.rooms[id] = NewRoom(id, m.logger, m.metrics)
	m.metrics.roomCreated()

	m.logger.Info("房間已創建", "room_id", id, "generated", generated)

	return id, nil
}

// Lookup 查詢房間（不分大小寫）
func (m *Registry) Lookup(id string) (*Room, error) {
	id = NormalizeRoomID(id)

	m.mu.RLock()
	room, exists := m.rooms[id]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrRoomNotFound.WithDetails(id)
	}

	return room, nil
}

// Rooms 房間快照（依創建時間排序）
func (m *Registry) Rooms() []*Room {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// cleanupLoop 清理空置房間
func (m *Registry) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行一次清理，回傳移除的房間數（公開方法供測試使用）
func (m *Registry) Cleanup() int {
	if m.idleTTL <= 0 {
		return 0
	}

	now := time.Now()

	m.mu.RLock()
	var candidates []*Room
	for _, room := range m.rooms {
		if room.IsIdle(m.idleTTL, now) {
			candidates = append(candidates, room)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, room := range candidates {
		// 取得註冊表寫鎖後再確認一次：掃描之後可能有人加入
		m.mu.Lock()
		if m.rooms[room.ID] == room && room.expireIfIdle(m.idleTTL, now) {
			delete(m.rooms, room.ID)
			removed++
			m.metrics.roomExpired()
			m.logger.Info("空房間已清理", "room_id", room.ID)
		}
		m.mu.Unlock()
	}

	return removed
}

// Stop 停止清理 goroutine
func (m *Registry) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.logger.Info("房間註冊表已停止")
}

// Stats 獲取統計資訊
func (m *Registry) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalMembers := 0
	emptyRooms := 0
	for _, room := range m.rooms {
		n := room.Count()
		totalMembers += n
		if n == 0 {
			emptyRooms++
		}
	}

	return map[string]any{
		"total_rooms":   len(m.rooms),
		"total_members": totalMembers,
		"empty_rooms":   emptyRooms,
	}
}

// generateRoomID 取隨機 UUID 的前 8 個字元
func generateRoomID() string {
	return uuid.NewString()[:8]
}
