package ws

import (
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/chat-relay/backend/internal/relay"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// Handler 负责把 WebSocket 连接交给会话中继。
type Handler struct {
	relay    *relay.Relay
	upgrader websocket.Upgrader
}

// New 创建 WebSocket 处理器
func New(r *relay.Relay) *Handler {
	return &Handler{
		relay: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chats/{chatID}/users/{userID}", h.handleWebSocket)
}

// handleWebSocket 校验成员身份后进入会话循环。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || chatID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	h.relay.Accept(r.Context(), conn, chatID, userID)
}
