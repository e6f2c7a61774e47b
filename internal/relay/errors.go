package relay

import (
	"errors"
	"fmt"
)

// ErrInvalidFormat 无法解析的帧
var ErrInvalidFormat = errors.New("invalid message format")

// 错误帧和关闭原因中展示给客户端的文本
const (
	msgInvalidFormat         = "Invalid message format"
	msgMessageNotFound       = "Message not found"
	msgDeleteFileDenied      = "Permission denied to delete this file"
	msgDeleteMessageDenied   = "Permission denied to delete this message"
	msgStorageUnavailable    = "File storage is not configured"
	msgEmptyMessage          = "Message must contain text or files"
	msgFileNotInMessage      = "File not found in message"
	msgInternal              = "Internal server error"
	unsupportedMessagePrefix = "unsupported message type: "
	sessionReplacedReason    = "session replaced"
	serverShuttingDownReason = "server shutting down"
	removedFromChatReason    = "removed from chat"
	slowConsumerCloseReason  = "slow consumer"
	internalErrorReason      = "internal error"
)

// Error 命令失败，Message 可以直接展示给请求方
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func reject(message string) error {
	return &Error{Message: message}
}

func failed(message string, err error) error {
	return &Error{Message: message, Err: err}
}

// UnsupportedKindError 格式正确但类型未知的帧
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return unsupportedMessagePrefix + e.Kind
}

// replyText 选择错误帧的文本
func replyText(err error) string {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Message
	}
	var unsupported *UnsupportedKindError
	if errors.As(err, &unsupported) {
		return unsupported.Error()
	}
	if errors.Is(err, ErrInvalidFormat) {
		return msgInvalidFormat
	}
	return msgInternal
}
