package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 准入結果標籤
const (
	AdmissionAccepted         = "accepted"
	AdmissionRoomNotFound     = "room_not_found"
	AdmissionUsernameRequired = "username_required"
	AdmissionUsernameTaken    = "username_taken"
	AdmissionError            = "error"
)

// Metrics Prometheus 指標
//
// 所有方法都允許 nil receiver，測試或不需要指標的元件可以直接傳 nil。
type Metrics struct {
	registry *prometheus.Registry

	rooms            prometheus.Gauge
	members          prometheus.Gauge
	roomsCreated     prometheus.Counter
	roomsExpired     prometheus.Counter
	admissions       *prometheus.CounterVec
	messagesRouted   *prometheus.CounterVec
	deliveriesFailed prometheus.Counter
}

// NewMetrics 在獨立的 Registry 上註冊指標（避免測試間共用 DefaultRegisterer 而重複註冊）
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "rooms",
			Help:      "目前註冊的房間數",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "members",
			Help:      "所有房間的在線成員數",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "rooms_created_total",
			Help:      "已創建的房間總數",
		}),
		roomsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "rooms_expired_total",
			Help:      "因閒置而清理的房間總數",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "admissions_total",
			Help:      "連線准入結果",
		}, []string{"result"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_routed_total",
			Help:      "路由的入站訊息，依類型區分",
		}, []string{"type"}),
		deliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "deliveries_failed_total",
			Help:      "因連線關閉或緩衝區滿而略過的投遞",
		}),
	}

	reg.MustRegister(
		m.rooms,
		m.members,
		m.roomsCreated,
		m.roomsExpired,
		m.admissions,
		m.messagesRouted,
		m.deliveriesFailed,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 底層 Registry（測試用）
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) roomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
	m.rooms.Inc()
}

func (m *Metrics) roomExpired() {
	if m == nil {
		return
	}
	m.roomsExpired.Inc()
	m.rooms.Dec()
}

func (m *Metrics) memberJoined() {
	if m == nil {
		return
	}
	m.members.Inc()
}

func (m *Metrics) memberLeft() {
	if m == nil {
		return
	}
	m.members.Dec()
}

func (m *Metrics) admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) messageRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(kind).Inc()
}

func (m *Metrics) deliveryFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveriesFailed.Add(float64(n))
}

// admissionResult 錯誤對應的准入結果標籤
func admissionResult(err error) string {
	if err == nil {
		return AdmissionAccepted
	}
	switch ErrorCode(err) {
	case ErrCodeRoomNotFound:
		return AdmissionRoomNotFound
	case ErrCodeUsernameRequired:
		return AdmissionUsernameRequired
	case ErrCodeUsernameTaken:
		return AdmissionUsernameTaken
	default:
		return AdmissionError
	}
}
