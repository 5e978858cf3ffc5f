package internal

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rs/cors"
)

// Server 組裝所有元件
//
//	Registry ← Admission ← WebSocketHub → Router
//	Registry ← Handler（HTTP API）
type Server struct {
	Registry  *Registry
	Admission *Admission
	Router    *Router
	Hub       *WebSocketHub
	Handler   *Handler
	Metrics   *Metrics

	cfg    *Config
	logger *slog.Logger
}

// NewServer 依配置建立伺服器元件
func NewServer(cfg *Config, logger *slog.Logger, opts ...RegistryOption) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics()

	if cfg.Room.IdleTTL > 0 {
		opts = append([]RegistryOption{WithIdleTTL(cfg.Room.IdleTTL, cfg.Room.CleanupInterval)}, opts...)
	}
	registry := NewRegistry(logger, metrics, opts...)
	admission := NewAdmission(registry, logger, metrics)
	router := NewRouter(logger, metrics)

	return &Server{
		Registry:  registry,
		Admission: admission,
		Router:    router,
		Hub:       NewWebSocketHub(admission, router, cfg, logger),
		Handler:   NewHandler(registry, metrics, logger),
		Metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// HTTPHandler HTTP API + WebSocket 路由，外層套用 CORS
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	// HTTP API 路由
	mux.Handle("/", s.Handler.Routes())

	// WebSocket 路由（不經過 loggerMiddleware：包裝後的 ResponseWriter 無法 Hijack）
	mux.HandleFunc("GET /chat", s.Hub.ServeWS)
	mux.HandleFunc("GET /ws/rooms/{room_id}", s.Hub.ServeWS)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	return c.Handler(mux)
}

// Shutdown 關閉所有 WebSocket 連線並停止註冊表
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Hub.Stop(ctx)
	s.Registry.Stop()
	return err
}
