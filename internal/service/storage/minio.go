package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

var (
	ErrObjectNotFound = errors.New("file not found")
	ErrEmptyFile      = errors.New("file is empty")
)

// PlaceholderMessageID 消息创建前预上传文件使用的消息 ID
const PlaceholderMessageID int64 = 0

const originalNameMeta = "Original-Name"

// File 一次上传请求
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// Service 把聊天附件存到 MinIO bucket
type Service struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// New 创建 MinIO 客户端，不会连接服务器
func New(cfg config.StorageConfig) (*Service, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Service{client: cl, bucket: cfg.Bucket, expiry: expiry}, nil
}

// EnsureBucket bucket 不存在时创建
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		log.Printf("[storage] bucket %s already exists", s.bucket)
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Printf("[storage] created bucket %s", s.bucket)
	return nil
}

// Upload 保存到 {chat}/{message}/{uuid}{ext} 并返回 key
func (s *Service) Upload(ctx context.Context, chatID, messageID int64, file File) (string, error) {
	if len(file.Content) == 0 {
		return "", ErrEmptyFile
	}

	key := ObjectKey(chatID, messageID, file.Name)
	contentType := file.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(file.Name)
	}

	opts := minio.PutObjectOptions{ContentType: contentType}
	if name := strings.TrimSpace(file.Name); name != "" {
		opts.UserMetadata = map[string]string{originalNameMeta: url.QueryEscape(name)}
	}

	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(file.Content), int64(len(file.Content)), opts); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// Resolve 确认对象存在并返回带预签名 URL 的视图
func (s *Service) Resolve(ctx context.Context, key string) (chat.FileView, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return chat.FileView{}, ErrObjectNotFound
		}
		return chat.FileView{}, fmt.Errorf("stat %s: %w", key, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
	if err != nil {
		return chat.FileView{}, fmt.Errorf("presign %s: %w", key, err)
	}

	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = ContentTypeFor(key)
	}

	return chat.FileView{
		FilePath:    key,
		FileURL:     u.String(),
		FileName:    originalName(info, key),
		ContentType: contentType,
	}, nil
}

// Delete 删除对象，返回是否成功
func (s *Service) Delete(ctx context.Context, key string) bool {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		log.Printf("[storage] delete %s failed: %v", key, err)
		return false
	}
	return true
}

// Rename 把对象移到指定消息下并返回新 key
func (s *Service) Rename(ctx context.Context, key string, chatID, messageID int64) (string, error) {
	target := RenamedKey(key, chatID, messageID)
	if target == key {
		return key, nil
	}

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: target},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	if err != nil {
		if isNotFound(err) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("copy %s to %s: %w", key, target, err)
	}

	if !s.Delete(ctx, key) {
		log.Printf("[storage] rename left stale object %s", key)
	}
	return target, nil
}

// ObjectKey 为消息的文件生成新 key
func ObjectKey(chatID, messageID int64, filename string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	return fmt.Sprintf("%d/%d/%s%s", chatID, messageID, uuid.NewString(), ext)
}

// RenamedKey 保留对象名，移到 chatID/messageID 下
func RenamedKey(key string, chatID, messageID int64) string {
	return fmt.Sprintf("%d/%d/%s", chatID, messageID, path.Base(key))
}

// IsPlaceholderKey 判断 key 是否为 chatID 下的预上传文件
func IsPlaceholderKey(key string, chatID int64) bool {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[2] == "" {
		return false
	}
	return parts[0] == strconv.FormatInt(chatID, 10) && parts[1] == strconv.FormatInt(PlaceholderMessageID, 10)
}

var fallbackContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".webm": "audio/webm",
	".mp4":  "video/mp4",
	".zip":  "application/zip",
}

// ContentTypeFor 根据文件名推断内容类型
func ContentTypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := fallbackContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func originalName(info minio.ObjectInfo, key string) string {
	raw := info.UserMetadata[originalNameMeta]
	if raw == "" {
		raw = info.Metadata.Get("X-Amz-Meta-" + originalNameMeta)
	}
	if raw != "" {
		if name, err := url.QueryUnescape(raw); err == nil && name != "" {
			return name
		}
	}
	return path.Base(key)
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject", "NotFound":
		return true
	}
	return false
}
