package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/storage"
)

func (r *Relay) dispatch(ctx context.Context, s *Session, cmd Command) error {
	switch c := cmd.(type) {
	case SendMessage:
		return r.sendMessage(ctx, s, c)
	case Typing:
		return r.typing(s, c)
	case Read:
		return r.markRead(ctx, s, c)
	case FetchHistory:
		return r.fetchHistory(ctx, s, c)
	case FetchActiveUsers:
		s.reply(Frame{Type: TypeActiveUsers, Data: activeUsersData{
			ChatID: s.chatID,
			Users:  r.registry.ListActive(s.chatID),
		}})
		return nil
	case DeleteFile:
		return r.deleteFile(ctx, s, c)
	case FileInfo:
		return r.fileInfo(ctx, s, c)
	case DeleteMessage:
		return r.deleteMessage(ctx, s, c)
	default:
		return &UnsupportedKindError{Kind: cmd.Kind()}
	}
}

func (r *Relay) sendMessage(ctx context.Context, s *Session, c SendMessage) error {
	paths := make([]string, 0, len(c.FilePaths))
	for _, p := range c.FilePaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if strings.TrimSpace(c.Text) == "" && len(c.Files) == 0 && len(paths) == 0 {
		return reject(msgEmptyMessage)
	}

	uploads := make([]storage.File, 0, len(c.Files))
	for _, f := range c.Files {
		file, err := decodeInlineFile(f)
		if err != nil {
			return failed(fmt.Sprintf("Invalid file content: %s", f.Name), err)
		}
		uploads = append(uploads, file)
	}
	for _, p := range paths {
		if !storage.IsPlaceholderKey(p, s.chatID) {
			return reject(fmt.Sprintf("Invalid file path: %s", p))
		}
	}
	if (len(uploads) > 0 || len(paths) > 0) && r.blobs == nil {
		return reject(msgStorageUnavailable)
	}

	msg, err := r.chats.CreateMessage(ctx, chat.MessageDraft{
		ChatID:     s.chatID,
		FromUserID: s.userID,
		Text:       c.Text,
	})
	if err != nil {
		return failed("Failed to send message", err)
	}

	if len(uploads) > 0 || len(paths) > 0 {
		keys, err := r.storeAttachments(ctx, msg, uploads, paths)
		if err != nil {
			r.discardMessage(ctx, msg.ID, keys)
			return failed("Failed to upload file", err)
		}
		attached, err := r.chats.AttachMedia(ctx, msg.ID, keys)
		if err != nil {
			r.discardMessage(ctx, msg.ID, keys)
			return failed("Failed to send message", err)
		}
		msg = attached
	}

	view := newMessageView(msg, FileViews(ctx, r.blobs, msg.Media))
	_, err = r.registry.Broadcast(s.chatID, Frame{Type: TypeNewMessage, Data: view}, 0)
	return err
}

// storeAttachments 上传内联文件，并把预上传的占位文件移到新消息下。
// 出错时也返回已经存好的 key，便于回滚
func (r *Relay) storeAttachments(ctx context.Context, msg chat.Message, uploads []storage.File, paths []string) ([]string, error) {
	keys := make([]string, 0, len(uploads)+len(paths))
	for _, file := range uploads {
		key, err := r.blobs.Upload(ctx, msg.ChatID, msg.ID, file)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	for _, p := range paths {
		key, err := r.blobs.Rename(ctx, p, msg.ChatID, msg.ID)
		if err != nil {
			return keys, fmt.Errorf("move %s: %w", p, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (r *Relay) discardMessage(ctx context.Context, messageID int64, keys []string) {
	if _, err := r.chats.DeleteMessage(ctx, messageID); err != nil {
		log.Printf("[relay] rollback message=%d failed: %v", messageID, err)
	}
	r.removeBlobs(ctx, keys)
}

func (r *Relay) removeBlobs(ctx context.Context, keys []string) {
	if r.blobs == nil {
		return
	}
	for _, key := range keys {
		if !r.blobs.Delete(ctx, key) {
			log.Printf("[relay] cleanup of %s failed", key)
		}
	}
}

func (r *Relay) typing(s *Session, c Typing) error {
	_, err := r.registry.Broadcast(s.chatID, Frame{Type: TypeUserTyping, Data: userTypingData{
		UserID:   s.userID,
		ChatID:   s.chatID,
		IsTyping: c.IsTyping,
	}}, s.userID)
	return err
}

func (r *Relay) markRead(ctx context.Context, s *Session, c Read) error {
	if _, err := r.chatMessage(ctx, s.chatID, c.MessageID); err != nil {
		return err
	}

	if _, err := r.chats.MarkRead(ctx, c.MessageID); err != nil {
		return failed("Failed to mark message as read", err)
	}

	_, err := r.registry.Broadcast(s.chatID, Frame{Type: TypeMessageRead, Data: messageReadData{
		MessageID: c.MessageID,
		ReadBy:    s.userID,
	}}, 0)
	return err
}

func (r *Relay) fetchHistory(ctx context.Context, s *Session, c FetchHistory) error {
	skip, limit := r.historyWindow(c.Skip, c.Limit)
	messages, err := r.chats.ListMessages(ctx, s.chatID, skip, limit)
	if err != nil {
		return failed("Failed to load chat history", err)
	}

	views := MessageViews(ctx, r.blobs, messages)
	s.reply(Frame{Type: TypeChatHistory, Data: chatHistoryData{
		ChatID:   s.chatID,
		Messages: views,
		Total:    len(views),
	}})
	return nil
}

func (r *Relay) deleteFile(ctx context.Context, s *Session, c DeleteFile) error {
	msg, err := r.chatMessage(ctx, s.chatID, c.MessageID)
	if err != nil {
		return err
	}
	if msg.FromUserID != s.userID {
		return reject(msgDeleteFileDenied)
	}
	if !chat.HasKey(msg.Media, c.FilePath) {
		return reject(msgFileNotInMessage)
	}
	if r.blobs == nil {
		return reject(msgStorageUnavailable)
	}
	if !r.blobs.Delete(ctx, c.FilePath) {
		return reject("Failed to delete file")
	}

	media := chat.WithoutKey(msg.Media, c.FilePath)
	if _, err := r.chats.UpdateMessage(ctx, msg.ID, chat.MessageUpdate{Media: &media}); err != nil {
		return failed("Failed to update message", err)
	}

	_, err = r.registry.Broadcast(s.chatID, Frame{Type: TypeFileDeleted, Data: fileDeletedData{
		MessageID: msg.ID,
		FilePath:  c.FilePath,
		DeletedBy: s.userID,
	}}, 0)
	return err
}

func (r *Relay) fileInfo(ctx context.Context, s *Session, c FileInfo) error {
	msg, err := r.chatMessage(ctx, s.chatID, c.MessageID)
	if err != nil {
		return err
	}
	s.reply(Frame{Type: TypeFileInfo, Data: fileInfoData{
		MessageID: msg.ID,
		Files:     FileViews(ctx, r.blobs, msg.Media),
	}})
	return nil
}

func (r *Relay) deleteMessage(ctx context.Context, s *Session, c DeleteMessage) error {
	msg, err := r.chatMessage(ctx, s.chatID, c.MessageID)
	if err != nil {
		return err
	}
	if msg.FromUserID != s.userID {
		return reject(msgDeleteMessageDenied)
	}

	if _, err := r.chats.DeleteMessage(ctx, msg.ID); err != nil {
		if errors.Is(err, chatservice.ErrMessageNotFound) {
			return reject(msgMessageNotFound)
		}
		return failed("Failed to delete message", err)
	}
	r.removeBlobs(ctx, msg.MediaKeys())

	r.MessageDeleted(s.chatID, msg.ID, s.userID)
	return nil
}

// chatMessage 加载消息，其他聊天的消息按不存在处理
func (r *Relay) chatMessage(ctx context.Context, chatID, messageID int64) (chat.Message, error) {
	msg, err := r.chats.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, chatservice.ErrMessageNotFound) {
			return chat.Message{}, reject(msgMessageNotFound)
		}
		return chat.Message{}, failed("Failed to load message", err)
	}
	if msg.ChatID != chatID {
		return chat.Message{}, reject(msgMessageNotFound)
	}
	return msg, nil
}
