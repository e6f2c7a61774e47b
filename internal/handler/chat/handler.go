package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/relay"
	chatService "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/storage"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// 预上传文件的大小上限
const maxUploadBytes = 32 << 20

// Blobs 是 HTTP 接口用到的文件存储能力
type Blobs interface {
	relay.FileResolver
	Upload(ctx context.Context, chatID, messageID int64, file storage.File) (string, error)
	Delete(ctx context.Context, key string) bool
}

// Sessions 是 HTTP 接口对在线会话的通知能力
type Sessions interface {
	Evict(chatID, userID int64) bool
	MessageDeleted(chatID, messageID, deletedBy int64)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	blobs    Blobs
	sessions Sessions
}

// New 创建聊天处理器，blobs 和 sessions 可以为 nil
func New(chatSvc *chatService.Service, blobs Blobs, sessions Sessions) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		blobs:    blobs,
		sessions: sessions,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/users", h.handleCreateUser)
	r.Post("/chats", h.handleCreateChat)
	r.Get("/chats/{chatID}", h.handleGetChat)
	r.Post("/chats/{chatID}/members", h.handleAddMember)
	r.Delete("/chats/{chatID}/members/{userID}", h.handleRemoveMember)
	r.Get("/chats/{chatID}/messages", h.handleListMessages)
	r.Post("/chats/{chatID}/files", h.handleUploadFile)
	r.Delete("/messages/{messageID}", h.handleDeleteMessage)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name    string `json:"name"`
		Surname string `json:"surname"`
		Login   string `json:"login"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.chatSvc.CreateUser(r.Context(), chat.User{
		Name:    payload.Name,
		Surname: payload.Surname,
		Login:   payload.Login,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string  `json:"name"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.chatSvc.CreateChat(r.Context(), payload.Name, payload.MemberIDs)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	found, err := h.chatSvc.GetChat(r.Context(), chatID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, found)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	var payload struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.UserID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.chatSvc.AddMember(r.Context(), chatID, payload.UserID); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]int64{"chat_id": chatID, "user_id": payload.UserID})
}

// handleRemoveMember 移除成员，并关闭其在该聊天中的在线会话
func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	if err := h.chatSvc.RemoveMember(r.Context(), chatID, userID); err != nil {
		respondServiceError(w, err)
		return
	}
	if h.sessions != nil && h.sessions.Evict(chatID, userID) {
		log.Printf("[chat] evicted live session chat=%d user=%d", chatID, userID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	query := r.URL.Query()
	skip, err := queryInt(query.Get("skip"), 0)
	if err != nil || skip < 0 {
		utils.RespondError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(query.Get("limit"), 50)
	if err != nil || limit < 1 || limit > 100 {
		utils.RespondError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	if _, err := h.chatSvc.GetChat(r.Context(), chatID); err != nil {
		respondServiceError(w, err)
		return
	}
	messages, err := h.chatSvc.ListMessages(r.Context(), chatID, skip, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var resolver relay.FileResolver
	if h.blobs != nil {
		resolver = h.blobs
	}
	views := relay.MessageViews(r.Context(), resolver, messages)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chat_id":  chatID,
		"messages": views,
		"total":    len(views),
	})
}

// handleUploadFile 预上传文件，返回的 key 用于 send_message 的 file_paths
func (h *Handler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	if h.blobs == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "file storage is not configured")
		return
	}
	if _, err := h.chatSvc.GetChat(r.Context(), chatID); err != nil {
		respondServiceError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	src, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeFor(header.Filename)
	}
	key, err := h.blobs.Upload(r.Context(), chatID, storage.PlaceholderMessageID, storage.File{
		Name:        header.Filename,
		ContentType: contentType,
		Content:     content,
	})
	if err != nil {
		if errors.Is(err, storage.ErrEmptyFile) {
			utils.RespondError(w, http.StatusBadRequest, "file is empty")
			return
		}
		log.Printf("[chat] upload for chat=%d failed: %v", chatID, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to upload file")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{
		"file_path":    key,
		"file_name":    header.Filename,
		"content_type": contentType,
	})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	deleted, err := h.chatSvc.DeleteMessage(r.Context(), messageID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if h.blobs != nil {
		for _, key := range deleted.MediaKeys() {
			if !h.blobs.Delete(r.Context(), key) {
				log.Printf("[chat] cleanup of %s failed", key)
			}
		}
	}
	if h.sessions != nil {
		h.sessions.MessageDeleted(deleted.ChatID, deleted.ID, 0)
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// respondServiceError 把服务层错误映射为 HTTP 状态码
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrChatNotFound),
		errors.Is(err, chatService.ErrUserNotFound),
		errors.Is(err, chatService.ErrMessageNotFound),
		errors.Is(err, chatService.ErrNotMember):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrAlreadyMember):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatService.ErrNameRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[chat] request failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}
