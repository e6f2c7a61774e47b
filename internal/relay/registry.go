package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/zhouzirui/chat-relay/backend/internal/metrics"
)

// Handle 注册表视角下的在线连接
type Handle interface {
	// Enqueue 非阻塞地把编码后的帧交给写协程，未被接收时返回 false
	Enqueue(frame []byte) bool
	// Close 以指定关闭码结束连接
	Close(code int, reason string)
}

// Registry 按 (聊天, 用户) 保存在线连接
type Registry struct {
	mu      sync.RWMutex
	chats   map[int64]map[int64]Handle
	metrics *metrics.Relay
}

func NewRegistry(m *metrics.Relay) *Registry {
	return &Registry{
		chats:   make(map[int64]map[int64]Handle),
		metrics: m,
	}
}

// Connect 登记 h 并返回被替换的旧连接（如有），旧连接由调用方关闭
func (r *Registry) Connect(chatID, userID int64, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.chats[chatID]
	if !ok {
		users = make(map[int64]Handle)
		r.chats[chatID] = users
	}
	previous := users[userID]
	users[userID] = h
	if previous == nil {
		r.metrics.SessionOpened()
	}
	return previous
}

// Disconnect 无条件移除登记
func (r *Registry) Disconnect(chatID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(chatID, userID)
}

// Release 仅当登记仍指向 h 时移除
func (r *Registry) Release(chatID, userID int64, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.chats[chatID][userID]
	if !ok || current != h {
		return false
	}
	r.removeLocked(chatID, userID)
	return true
}

func (r *Registry) removeLocked(chatID, userID int64) {
	users, ok := r.chats[chatID]
	if !ok {
		return
	}
	if _, ok := users[userID]; !ok {
		return
	}
	delete(users, userID)
	r.metrics.SessionClosed()
	if len(users) == 0 {
		delete(r.chats, chatID)
	}
}

// Send 发送给单个会话，未登记时什么也不做
func (r *Registry) Send(chatID, userID int64, frame Frame) error {
	r.mu.RLock()
	h, ok := r.chats[chatID][userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	if !h.Enqueue(payload) {
		r.metrics.FrameDropped()
	}
	return nil
}

// Broadcast 发送给聊天内除 exclude 外的所有会话，exclude 为 0 表示不排除。
// 返回接收成功的会话数
func (r *Registry) Broadcast(chatID int64, frame Frame, exclude int64) (int, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return 0, fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}

	r.mu.RLock()
	targets := make([]Handle, 0, len(r.chats[chatID]))
	for userID, h := range r.chats[chatID] {
		if exclude != 0 && userID == exclude {
			continue
		}
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, h := range targets {
		if h.Enqueue(payload) {
			delivered++
			continue
		}
		r.metrics.FrameDropped()
	}
	if dropped := len(targets) - delivered; dropped > 0 {
		log.Printf("[registry] chat=%d frame=%s dropped for %d session(s)", chatID, frame.Type, dropped)
	}
	return delivered, nil
}

// ListActive 返回聊天内在线用户，升序
func (r *Registry) ListActive(chatID int64) []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.chats[chatID]))
	for userID := range r.chats[chatID] {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// HasChat 判断聊天是否还有在线会话
func (r *Registry) HasChat(chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chats[chatID]
	return ok
}

func (r *Registry) lookup(chatID, userID int64) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chats[chatID][userID]
}

func (r *Registry) snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Handle
	for _, users := range r.chats {
		for _, h := range users {
			all = append(all, h)
		}
	}
	return all
}
