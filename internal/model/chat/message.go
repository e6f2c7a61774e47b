package chat

import (
	"strings"
	"time"
)

// MediaSeparator 是 Message.Media 中存储 key 的分隔符
const MediaSeparator = ","

// Message 持久化的聊天消息，情绪字段在创建后异步填充，可能为空
type Message struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID         int64     `gorm:"not null;index:idx_message_chat_date,priority:1" json:"chat_id"`
	FromUserID     int64     `gorm:"not null" json:"from_user_id"`
	Text           string    `gorm:"not null;default:''" json:"text"`
	Status         bool      `gorm:"not null;default:false" json:"status"`
	Date           time.Time `gorm:"not null;index:idx_message_chat_date,priority:2" json:"date"`
	Media          string    `json:"media,omitempty"`
	EmotionalState *float64  `json:"emotional_state,omitempty"`
	Emotion        *string   `gorm:"size:32" json:"emotion,omitempty"`
}

func (Message) TableName() string { return "message_table" }

// MediaKeys 返回消息引用的存储 key
func (m Message) MediaKeys() []string {
	return SplitMedia(m.Media)
}

// MessageDraft 新消息中由调用方提供的字段
type MessageDraft struct {
	ChatID     int64
	FromUserID int64
	Text       string
}

// MessageUpdate 部分更新，nil 字段保持不变
type MessageUpdate struct {
	Text           *string
	Media          *string
	Status         *bool
	EmotionalState *float64
	Emotion        *string
}

// Columns 转换为按列更新的 map
func (u MessageUpdate) Columns() map[string]any {
	cols := make(map[string]any)
	if u.Text != nil {
		cols["text"] = *u.Text
	}
	if u.Media != nil {
		cols["media"] = *u.Media
	}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.EmotionalState != nil {
		cols["emotional_state"] = *u.EmotionalState
	}
	if u.Emotion != nil {
		cols["emotion"] = *u.Emotion
	}
	return cols
}

// FileView 附件在读取时生成的视图
type FileView struct {
	FilePath    string `json:"file_path"`
	FileURL     string `json:"file_url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// SplitMedia 解析 media 字段，跳过空值和重复项
func SplitMedia(media string) []string {
	if strings.TrimSpace(media) == "" {
		return nil
	}
	parts := strings.Split(media, MediaSeparator)
	keys := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		key := strings.TrimSpace(part)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// JoinMedia 是 SplitMedia 的逆操作
func JoinMedia(keys []string) string {
	return strings.Join(SplitMedia(strings.Join(keys, MediaSeparator)), MediaSeparator)
}

// WithoutKey 返回去掉 key 之后的 media
func WithoutKey(media, key string) string {
	keys := SplitMedia(media)
	kept := keys[:0]
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	return JoinMedia(kept)
}

// HasKey 判断 media 是否引用了 key
func HasKey(media, key string) bool {
	for _, k := range SplitMedia(media) {
		if k == key {
			return true
		}
	}
	return false
}
