package relay

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/metrics"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/storage"
)

// ChatStore 中继依赖的持久化能力
type ChatStore interface {
	GetChat(ctx context.Context, chatID int64) (chat.Chat, error)
	UserChatIDs(ctx context.Context, userID int64) ([]int64, error)
	CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error)
	GetMessage(ctx context.Context, messageID int64) (chat.Message, error)
	ListMessages(ctx context.Context, chatID int64, skip, limit int) ([]chat.Message, error)
	UpdateMessage(ctx context.Context, messageID int64, update chat.MessageUpdate) (chat.Message, error)
	MarkRead(ctx context.Context, messageID int64) (chat.Message, error)
	AttachMedia(ctx context.Context, messageID int64, keys []string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) (chat.Message, error)
}

// BlobStore 保存消息附件
type BlobStore interface {
	FileResolver
	Upload(ctx context.Context, chatID, messageID int64, file storage.File) (string, error)
	Delete(ctx context.Context, key string) bool
	Rename(ctx context.Context, key string, chatID, messageID int64) (string, error)
}

// Option 定制 Relay
type Option func(*Relay)

// WithBlobStore 启用文件附件
func WithBlobStore(b BlobStore) Option {
	return func(r *Relay) { r.blobs = b }
}

// WithMetrics 记录中继指标
func WithMetrics(m *metrics.Relay) Option {
	return func(r *Relay) { r.metrics = m }
}

// Relay 持有注册表，并基于协作方运行会话
type Relay struct {
	cfg      config.RelayConfig
	chats    ChatStore
	blobs    BlobStore
	metrics  *metrics.Relay
	registry *Registry
	now      func() time.Time
}

func New(cfg config.RelayConfig, chats ChatStore, opts ...Option) *Relay {
	defaults := config.DefaultRelayConfig()
	if cfg.HistoryMaxLimit <= 0 {
		cfg.HistoryMaxLimit = defaults.HistoryMaxLimit
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > cfg.HistoryMaxLimit {
		cfg.HistoryLimit = min(defaults.HistoryLimit, cfg.HistoryMaxLimit)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}

	r := &Relay{cfg: cfg, chats: chats, now: defaultNow}
	for _, opt := range opts {
		opt(r)
	}
	r.registry = NewRegistry(r.metrics)
	return r
}

// Registry 返回在线会话表
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Evict 关闭 userID 在 chatID 中的在线会话，用于通过 HTTP 接口移除成员
func (r *Relay) Evict(chatID, userID int64) bool {
	h := r.registry.lookup(chatID, userID)
	if h == nil {
		return false
	}
	_ = r.registry.Send(chatID, userID, errorFrame("You have been removed from this chat"))
	h.Close(CloseNotMember, removedFromChatReason)
	return true
}

// MessageDeleted 通知聊天内所有在线会话消息已被删除。deletedBy 为 0 表示
// 删除来自 HTTP 接口。
func (r *Relay) MessageDeleted(chatID, messageID, deletedBy int64) {
	frame := Frame{Type: TypeMessageDeleted, Data: messageDeletedData{
		MessageID: messageID,
		DeletedBy: deletedBy,
	}}
	if _, err := r.registry.Broadcast(chatID, frame, 0); err != nil {
		log.Printf("[relay] message_deleted broadcast chat=%d message=%d failed: %v", chatID, messageID, err)
	}
}

// Shutdown 关闭所有在线会话，等待它们注销或 ctx 到期
func (r *Relay) Shutdown(ctx context.Context) {
	handles := r.registry.snapshot()
	for _, h := range handles {
		h.Close(websocket.CloseGoingAway, serverShuttingDownReason)
	}
	if len(handles) > 0 {
		log.Printf("[relay] closing %d session(s)", len(handles))
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for len(r.registry.snapshot()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Relay) historyWindow(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = r.cfg.HistoryLimit
	}
	if limit > r.cfg.HistoryMaxLimit {
		limit = r.cfg.HistoryMaxLimit
	}
	return skip, limit
}
