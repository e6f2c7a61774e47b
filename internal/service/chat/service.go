package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/emotion"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrAlreadyMember   = errors.New("user is already a member of this chat")
	ErrNotMember       = errors.New("user is not a member of this chat")
	ErrNameRequired    = errors.New("name is required")
)

// Annotator 为已保存的消息标注情绪
type Annotator interface {
	Annotate(ctx context.Context, subject emotion.Subject) emotion.Annotation
}

// FileResolver 把存储 key 解析为可访问的文件视图
type FileResolver interface {
	Resolve(ctx context.Context, key string) (chat.FileView, error)
}

// Option 定制 Service
type Option func(*Service)

// WithAnnotator 启用消息创建后的异步情绪标注
func WithAnnotator(a Annotator) Option {
	return func(s *Service) { s.annotator = a }
}

// WithFileResolver 让语音消息可以按解析后的 URL 标注
func WithFileResolver(r FileResolver) Option {
	return func(s *Service) { s.files = r }
}

// WithAnnotationTimeout 单次后台标注的超时
func WithAnnotationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.annotationTimeout = d
		}
	}
}

// Service 通过 gorm 持久化聊天数据
type Service struct {
	db                *gorm.DB
	annotator         Annotator
	files             FileResolver
	annotationTimeout time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewService 基于已打开并迁移的数据库创建服务
func NewService(db *gorm.DB, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		db:                db,
		annotationTimeout: 30 * time.Second,
		bgCtx:             ctx,
		bgCancel:          cancel,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Wait 等待所有已调度的标注完成
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close 取消未完成的标注并等待退出
func (s *Service) Close() {
	s.bgCancel()
	s.wg.Wait()
}

// CreateUser 创建用户
func (s *Service) CreateUser(ctx context.Context, user chat.User) (chat.User, error) {
	user.Name = strings.TrimSpace(user.Name)
	if user.Name == "" {
		return chat.User{}, ErrNameRequired
	}
	user.ID = 0
	if strings.TrimSpace(user.Login) == "" {
		// login 上有唯一索引，空值用时间戳占位。
		user.Login = fmt.Sprintf("user-%d", time.Now().UnixNano())
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return chat.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// CreateChat 创建聊天及初始成员
func (s *Service) CreateChat(ctx context.Context, name string, memberIDs []int64) (chat.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Chat{}, ErrNameRequired
	}

	created := chat.Chat{Name: name}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		seen := make(map[int64]struct{}, len(memberIDs))
		for _, userID := range memberIDs {
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			if err := ensureUser(tx, userID); err != nil {
				return err
			}
			if err := tx.Create(&chat.Membership{ChatID: created.ID, UserID: userID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return chat.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return created, nil
}

// GetChat 返回聊天，不存在时返回 ErrChatNotFound
func (s *Service) GetChat(ctx context.Context, chatID int64) (chat.Chat, error) {
	var found chat.Chat
	if err := s.db.WithContext(ctx).First(&found, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Chat{}, ErrChatNotFound
		}
		return chat.Chat{}, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	return found, nil
}

// UserChatIDs 返回用户当前所在的聊天
func (s *Service) UserChatIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&chat.Membership{}).
		Where("user_id = ?", userID).
		Order("chat_id").
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list chats of user %d: %w", userID, err)
	}
	return ids, nil
}

// AddMember 添加成员
func (s *Service) AddMember(ctx context.Context, chatID, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureChat(tx, chatID); err != nil {
			return err
		}
		if err := ensureUser(tx, userID); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&chat.Membership{}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyMember
		}
		return tx.Create(&chat.Membership{ChatID: chatID, UserID: userID}).Error
	})
}

// RemoveMember 移除成员
func (s *Service) RemoveMember(ctx context.Context, chatID, userID int64) error {
	res := s.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&chat.Membership{})
	if res.Error != nil {
		return fmt.Errorf("remove member: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotMember
	}
	return nil
}

// CreateMessage 在同一事务中写入消息并更新 last_message_id，
// 同一聊天内消息时间不会倒退。情绪标注随后在后台执行
func (s *Service) CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error) {
	msg := chat.Message{
		ChatID:     draft.ChatID,
		FromUserID: draft.FromUserID,
		Text:       draft.Text,
		Status:     false,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureChat(tx, draft.ChatID); err != nil {
			return err
		}

		now := time.Now().UTC()
		var last chat.Message
		err := tx.Where("chat_id = ?", draft.ChatID).
			Order("date DESC").Order("id DESC").
			Take(&last).Error
		switch {
		case err == nil:
			if last.Date.After(now) {
				now = last.Date.UTC()
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		msg.Date = now

		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&chat.Chat{}).
			Where("id = ?", draft.ChatID).
			Update("last_message_id", msg.ID).Error
	})
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("create message: %w", err)
	}

	if strings.TrimSpace(msg.Text) != "" {
		s.scheduleAnnotation(msg.ID, emotion.Subject{Text: msg.Text})
	}
	return msg, nil
}

// GetMessage 返回消息，不存在时返回 ErrMessageNotFound
func (s *Service) GetMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	var msg chat.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Message{}, ErrMessageNotFound
		}
		return chat.Message{}, fmt.Errorf("get message %d: %w", messageID, err)
	}
	return msg, nil
}

// ListMessages 按时间倒序分页
func (s *Service) ListMessages(ctx context.Context, chatID int64, skip, limit int) ([]chat.Message, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		return []chat.Message{}, nil
	}

	out := make([]chat.Message, 0, limit)
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("date DESC").Order("id DESC").
		Offset(skip).Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list messages of chat %d: %w", chatID, err)
	}
	return out, nil
}

// UpdateMessage 部分更新并返回最新记录
func (s *Service) UpdateMessage(ctx context.Context, messageID int64, update chat.MessageUpdate) (chat.Message, error) {
	cols := update.Columns()
	if len(cols) == 0 {
		return s.GetMessage(ctx, messageID)
	}

	res := s.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("id = ?", messageID).
		Updates(cols)
	if res.Error != nil {
		return chat.Message{}, fmt.Errorf("update message %d: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return chat.Message{}, ErrMessageNotFound
	}
	return s.GetMessage(ctx, messageID)
}

// MarkRead 标记为已读
func (s *Service) MarkRead(ctx context.Context, messageID int64) (chat.Message, error) {
	read := true
	return s.UpdateMessage(ctx, messageID, chat.MessageUpdate{Status: &read})
}

// DeleteMessage 删除消息并返回原记录，供调用方清理附件
func (s *Service) DeleteMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	var deleted chat.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&deleted, "id = ?", messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if err := tx.Delete(&chat.Message{}, "id = ?", messageID).Error; err != nil {
			return err
		}

		// last_message_id 回退到剩余最新的一条。
		var previous chat.Message
		lastID := int64(0)
		err := tx.Where("chat_id = ?", deleted.ChatID).
			Order("date DESC").Order("id DESC").
			Take(&previous).Error
		switch {
		case err == nil:
			lastID = previous.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Model(&chat.Chat{}).
			Where("id = ? AND last_message_id = ?", deleted.ChatID, messageID).
			Update("last_message_id", lastID).Error
	})
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return deleted, nil
}

// AttachMedia 替换附件列表，无文本且带音频的消息按语音文件标注
func (s *Service) AttachMedia(ctx context.Context, messageID int64, keys []string) (chat.Message, error) {
	media := chat.JoinMedia(keys)
	msg, err := s.UpdateMessage(ctx, messageID, chat.MessageUpdate{Media: &media})
	if err != nil {
		return chat.Message{}, err
	}

	if strings.TrimSpace(msg.Text) == "" {
		for _, key := range msg.MediaKeys() {
			if !IsAudioKey(key) {
				continue
			}
			subject := emotion.Subject{VoiceURL: key}
			if s.files != nil {
				if view, err := s.files.Resolve(ctx, key); err == nil {
					subject.VoiceURL = view.FileURL
				}
			}
			s.scheduleAnnotation(msg.ID, subject)
			break
		}
	}
	return msg, nil
}

var audioExtensions = map[string]struct{}{
	".ogg": {}, ".oga": {}, ".opus": {}, ".mp3": {}, ".wav": {},
	".m4a": {}, ".aac": {}, ".flac": {}, ".webm": {},
}

// IsAudioKey 判断存储 key 是否为语音文件
func IsAudioKey(key string) bool {
	_, ok := audioExtensions[strings.ToLower(path.Ext(key))]
	return ok
}

func (s *Service) scheduleAnnotation(messageID int64, subject emotion.Subject) {
	if s.annotator == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[chat] annotation panic message=%d: %v\n%s", messageID, r, debug.Stack())
			}
		}()

		ctx, cancel := context.WithTimeout(s.bgCtx, s.annotationTimeout)
		defer cancel()

		result := s.annotator.Annotate(ctx, subject)
		log.Printf("[chat] message=%d annotated label=%s tone=%.2f source=%s", messageID, result.Label, result.Tone, result.Source)
		label := result.Label
		tone := result.Tone
		if _, err := s.UpdateMessage(ctx, messageID, chat.MessageUpdate{EmotionalState: &tone, Emotion: &label}); err != nil {
			// 消息可能已被删除。
			log.Printf("[chat] store annotation message=%d failed: %v", messageID, err)
		}
	}()
}

func ensureChat(tx *gorm.DB, chatID int64) error {
	var count int64
	if err := tx.Model(&chat.Chat{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

func ensureUser(tx *gorm.DB, userID int64) error {
	var count int64
	if err := tx.Model(&chat.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}
