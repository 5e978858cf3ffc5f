package internal

import (
	"log/slog"
)

// Admission 連線准入
//
// 流程：正規化房間 ID → 查詢房間 → 檢查名稱 → 插入成員表。
// 後兩步由 Room.Admit 在房間寫鎖內完成，同一房間的並發准入彼此互斥。
type Admission struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
}

// NewAdmission 創建准入元件
func NewAdmission(registry *Registry, logger *slog.Logger, metrics *Metrics) *Admission {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Admit 驗證並加入房間
//
// 房間不存在時絕不會順帶創建房間。
func (a *Admission) Admit(roomID, username string, peer Peer) (*Participant, *Room, error) {
	roomID = NormalizeRoomID(roomID)

	room, err := a.registry.Lookup(roomID)
	if err != nil {
		a.reject(roomID, username, err)
		return nil, nil, err
	}

	participant, err := room.Admit(peer, username)
	if err != nil {
		a.reject(roomID, username, err)
		return nil, nil, err
	}

	a.metrics.admission(AdmissionAccepted)
	a.logger.Info("使用者加入房間",
		"room_id", roomID,
		"username", username,
		"total", room.Count())

	return participant, room, nil
}

func (a *Admission) reject(roomID, username string, err error) {
	a.metrics.admission(admissionResult(err))
	a.logger.Warn("拒絕連線",
		"room_id", roomID,
		"username", username,
		"reason", ErrorCode(err))
}
