package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/storage"
)

// FileResolver 把存储 key 解析为文件视图
type FileResolver interface {
	Resolve(ctx context.Context, key string) (chat.FileView, error)
}

// MessageViews 生成带文件信息的消息视图
func MessageViews(ctx context.Context, resolver FileResolver, messages []chat.Message) []MessageView {
	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, newMessageView(msg, FileViews(ctx, resolver, msg.Media)))
	}
	return views
}

// FileViews 解析 media 中的每个 key，解析失败的跳过，结果不为 nil
func FileViews(ctx context.Context, resolver FileResolver, media string) []chat.FileView {
	keys := chat.SplitMedia(media)
	views := make([]chat.FileView, 0, len(keys))
	if resolver == nil {
		return views
	}

	for _, key := range keys {
		view, err := resolver.Resolve(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrObjectNotFound) {
				log.Printf("[relay] resolve %s failed: %v", key, err)
			}
			continue
		}
		if view.FilePath == "" {
			view.FilePath = key
		}
		if view.ContentType == "" {
			view.ContentType = storage.ContentTypeFor(key)
		}
		views = append(views, view)
	}
	return views
}

// decodeInlineFile 把 base64 附件转为上传请求，支持 "data:image/png;base64," 前缀
func decodeInlineFile(f InlineFile) (storage.File, error) {
	content := strings.TrimSpace(f.Content)
	contentType := strings.TrimSpace(f.ContentType)
	if strings.HasPrefix(content, "data:") {
		if comma := strings.IndexByte(content, ','); comma >= 0 {
			header := content[len("data:"):comma]
			if contentType == "" {
				contentType = strings.TrimSuffix(header, ";base64")
			}
			content = content[comma+1:]
		}
	}

	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(content)
	}
	if err != nil {
		return storage.File{}, err
	}
	if len(raw) == 0 {
		return storage.File{}, storage.ErrEmptyFile
	}

	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = "file"
	}
	return storage.File{Name: name, ContentType: contentType, Content: raw}, nil
}
