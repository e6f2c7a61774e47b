package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// 客户端命令类型
const (
	KindSendMessage      = "send_message"
	KindTyping           = "typing"
	KindRead             = "read"
	KindFetchHistory     = "fetch_history"
	KindFetchActiveUsers = "fetch_active_users"
	KindDeleteFile       = "delete_file"
	KindFileInfo         = "file_info"
	KindDeleteMessage    = "delete_message"
)

// 服务端推送类型
const (
	TypeNewMessage     = "new_message"
	TypeUserTyping     = "user_typing"
	TypeMessageRead    = "message_read"
	TypeChatHistory    = "chat_history"
	TypeActiveUsers    = "active_users"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeFileDeleted    = "file_deleted"
	TypeFileInfo       = "file_info"
	TypeMessageDeleted = "message_deleted"
	TypeError          = "error"
)

// Command 解码后的客户端命令
type Command interface {
	Kind() string
}

// InlineFile 以 base64 内联在帧中的附件
type InlineFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type SendMessage struct {
	Text      string
	Files     []InlineFile
	FilePaths []string
}

type Typing struct {
	IsTyping bool
}

type Read struct {
	MessageID int64
}

// FetchHistory 原始分页参数，Limit <= 0 表示使用默认值
type FetchHistory struct {
	Skip  int
	Limit int
}

type FetchActiveUsers struct{}

type DeleteFile struct {
	MessageID int64
	FilePath  string
}

type FileInfo struct {
	MessageID int64
}

type DeleteMessage struct {
	MessageID int64
}

func (SendMessage) Kind() string      { return KindSendMessage }
func (Typing) Kind() string           { return KindTyping }
func (Read) Kind() string             { return KindRead }
func (FetchHistory) Kind() string     { return KindFetchHistory }
func (FetchActiveUsers) Kind() string { return KindFetchActiveUsers }
func (DeleteFile) Kind() string       { return KindDeleteFile }
func (FileInfo) Kind() string         { return KindFileInfo }
func (DeleteMessage) Kind() string    { return KindDeleteMessage }

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NormalizeKind 统一大小写和连字符，"send-message" 与 "send_message" 视为同一命令
func NormalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	k = strings.ReplaceAll(k, "-", "_")
	if k == "message" {
		return KindSendMessage
	}
	return k
}

// Decode 解析一帧。格式错误返回 ErrInvalidFormat，未知类型返回
// *UnsupportedKindError，两者都不会结束会话
func Decode(raw []byte) (Command, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFormat)
	}

	data := msg.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage("{}")
	}

	switch NormalizeKind(msg.Type) {
	case KindSendMessage:
		var p struct {
			Text      string       `json:"text"`
			Files     []InlineFile `json:"files"`
			FilePaths []string     `json:"file_paths"`
		}
		if err := decodeData(data, &p); err != nil {
			return nil, err
		}
		return SendMessage{Text: p.Text, Files: p.Files, FilePaths: p.FilePaths}, nil

	case KindTyping:
		var p struct {
			IsTyping *bool `json:"is_typing"`
		}
		if err := decodeData(data, &p); err != nil {
			return nil, err
		}
		typing := true
		if p.IsTyping != nil {
			typing = *p.IsTyping
		}
		return Typing{IsTyping: typing}, nil

	case KindRead:
		id, err := decodeMessageID(data)
		if err != nil {
			return nil, err
		}
		return Read{MessageID: id}, nil

	case KindFetchHistory:
		var p struct {
			Skip  flexInt `json:"skip"`
			Limit flexInt `json:"limit"`
		}
		if err := decodeData(data, &p); err != nil {
			return nil, err
		}
		return FetchHistory{Skip: int(p.Skip), Limit: int(p.Limit)}, nil

	case KindFetchActiveUsers:
		return FetchActiveUsers{}, nil

	case KindDeleteFile:
		var p struct {
			MessageID flexInt `json:"message_id"`
			FilePath  string  `json:"file_path"`
		}
		if err := decodeData(data, &p); err != nil {
			return nil, err
		}
		path := strings.TrimSpace(p.FilePath)
		if p.MessageID <= 0 || path == "" {
			return nil, fmt.Errorf("%w: message_id and file_path are required", ErrInvalidFormat)
		}
		return DeleteFile{MessageID: int64(p.MessageID), FilePath: path}, nil

	case KindFileInfo:
		id, err := decodeMessageID(data)
		if err != nil {
			return nil, err
		}
		return FileInfo{MessageID: id}, nil

	case KindDeleteMessage:
		id, err := decodeMessageID(data)
		if err != nil {
			return nil, err
		}
		return DeleteMessage{MessageID: id}, nil

	default:
		return nil, &UnsupportedKindError{Kind: msg.Type}
	}
}

func decodeData(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}

func decodeMessageID(data json.RawMessage) (int64, error) {
	var p struct {
		MessageID flexInt `json:"message_id"`
	}
	if err := decodeData(data, &p); err != nil {
		return 0, err
	}
	if p.MessageID <= 0 {
		return 0, fmt.Errorf("%w: message_id is required", ErrInvalidFormat)
	}
	return int64(p.MessageID), nil
}

// flexInt 同时接受 42 和 "42"
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", string(b))
	}
	*f = flexInt(v)
	return nil
}

// Frame 服务端推送帧
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MessageView 推送给客户端的消息视图
type MessageView struct {
	ID             int64           `json:"id"`
	FromUserID     int64           `json:"from_user_id"`
	ChatID         int64           `json:"chat_id"`
	Text           string          `json:"text"`
	Date           time.Time       `json:"date"`
	Status         bool            `json:"status"`
	Media          string          `json:"media"`
	Files          []chat.FileView `json:"files"`
	EmotionalState *float64        `json:"emotional_state"`
	Emotion        *string         `json:"emotion"`
}

func newMessageView(msg chat.Message, files []chat.FileView) MessageView {
	if files == nil {
		files = []chat.FileView{}
	}
	return MessageView{
		ID:             msg.ID,
		FromUserID:     msg.FromUserID,
		ChatID:         msg.ChatID,
		Text:           msg.Text,
		Date:           msg.Date,
		Status:         msg.Status,
		Media:          msg.Media,
		Files:          files,
		EmotionalState: msg.EmotionalState,
		Emotion:        msg.Emotion,
	}
}

type userTypingData struct {
	UserID   int64 `json:"user_id"`
	ChatID   int64 `json:"chat_id"`
	IsTyping bool  `json:"is_typing"`
}

type messageReadData struct {
	MessageID int64 `json:"message_id"`
	ReadBy    int64 `json:"read_by"`
}

type chatHistoryData struct {
	ChatID   int64         `json:"chat_id"`
	Messages []MessageView `json:"messages"`
	Total    int           `json:"total"`
}

type activeUsersData struct {
	ChatID int64   `json:"chat_id"`
	Users  []int64 `json:"users"`
}

type presenceData struct {
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
}

type fileDeletedData struct {
	MessageID int64  `json:"message_id"`
	FilePath  string `json:"file_path"`
	DeletedBy int64  `json:"deleted_by"`
}

type fileInfoData struct {
	MessageID int64           `json:"message_id"`
	Files     []chat.FileView `json:"files"`
}

type messageDeletedData struct {
	MessageID int64 `json:"message_id"`
	DeletedBy int64 `json:"deleted_by,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
}

func errorFrame(message string) Frame {
	return Frame{Type: TypeError, Data: errorData{Message: message}}
}
