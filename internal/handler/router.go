package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/chat-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/handler/ws"
	"github.com/zhouzirui/chat-relay/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/chat-relay/backend/internal/middleware"
	"github.com/zhouzirui/chat-relay/backend/internal/relay"
	chatService "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// NewRouter 组装 HTTP 路由，未配置文件存储时 blobs 为 nil
func NewRouter(chatSvc *chatService.Service, rl *relay.Relay, blobs chat.Blobs, m *metrics.Relay) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	// WebSocket 连接是长连接，不经过访问日志中间件
	ws.New(rl).RegisterRoutes(r)

	chatHandler := chat.New(chatSvc, blobs, rl)
	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Logger)
		chatHandler.RegisterRoutes(api)
	})

	return r
}
