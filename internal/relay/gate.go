package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
)

// 发送给客户端的关闭码
const (
	CloseSessionReplaced = 4000
	CloseNotMember       = 4003
	CloseChatNotFound    = 4004
)

// GateError 在登记前拒绝连接
type GateError struct {
	Code   int
	Reason string
	Err    error
}

func (e *GateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%d)", e.Reason, e.Code)
}

func (e *GateError) Unwrap() error { return e.Err }

// Admit 校验聊天存在且用户是成员
func (r *Relay) Admit(ctx context.Context, chatID, userID int64) error {
	if _, err := r.chats.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, chatservice.ErrChatNotFound) {
			return &GateError{Code: CloseChatNotFound, Reason: "chat not found"}
		}
		return &GateError{Code: websocket.CloseInternalServerErr, Reason: "chat lookup failed", Err: err}
	}

	chatIDs, err := r.chats.UserChatIDs(ctx, userID)
	if err != nil {
		return &GateError{Code: websocket.CloseInternalServerErr, Reason: "membership lookup failed", Err: err}
	}
	for _, id := range chatIDs {
		if id == chatID {
			return nil
		}
	}
	return &GateError{Code: CloseNotMember, Reason: "not a member"}
}

// Accept 对升级后的连接做准入校验，通过后进入会话，否则按拒绝原因关闭
func (r *Relay) Accept(ctx context.Context, conn *websocket.Conn, chatID, userID int64) {
	if err := r.Admit(ctx, chatID, userID); err != nil {
		code, reason := websocket.CloseInternalServerErr, internalErrorReason
		var gateErr *GateError
		if errors.As(err, &gateErr) {
			code, reason = gateErr.Code, gateErr.Reason
		}
		log.Printf("[relay] reject chat=%d user=%d: %v", chatID, userID, err)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	r.Serve(ctx, conn, chatID, userID)
}
