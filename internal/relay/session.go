package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session 一个 (聊天, 用户) 的在线连接。读循环在调用方 goroutine 中运行，
// 所有写操作由单独的 goroutine 负责
type Session struct {
	relay  *Relay
	chatID int64
	userID int64
	conn   *websocket.Conn

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	leaveOnce   sync.Once
}

func newSession(r *Relay, conn *websocket.Conn, chatID, userID int64) *Session {
	return &Session{
		relay:      r,
		chatID:     chatID,
		userID:     userID,
		conn:       conn,
		send:       make(chan []byte, r.cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Serve 运行已通过 Admit 的连接直到其关闭
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn, chatID, userID int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(r, conn, chatID, userID)
	go s.writePump()

	if previous := r.registry.Connect(chatID, userID, s); previous != nil {
		log.Printf("[relay] chat=%d user=%d replaced an existing session", chatID, userID)
		previous.Close(CloseSessionReplaced, sessionReplacedReason)
	}
	log.Printf("[relay] chat=%d user=%d connected", chatID, userID)

	// 会话结束（写端故障、被替换、关停）时取消进行中的协作方调用，
	// 并立即清理登记，不等待读循环从处理函数中返回。
	go func() {
		select {
		case <-s.done:
			cancel()
			s.teardown()
		case <-ctx.Done():
		}
	}()

	defer s.teardown()
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[relay] chat=%d user=%d panic: %v\n%s", chatID, userID, rec, debug.Stack())
			s.Close(websocket.CloseInternalServerErr, internalErrorReason)
		}
	}()

	r.announceJoined(chatID, userID)
	s.readLoop(ctx)
}

// Enqueue 实现 Handle，队列满时关闭会话
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		log.Printf("[relay] chat=%d user=%d send queue full, closing", s.chatID, s.userID)
		s.Close(websocket.CloseTryAgainLater, slowConsumerCloseReason)
		return false
	}
}

// Close 实现 Handle，只有第一次调用决定关闭码
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

func (s *Session) readLoop(ctx context.Context) {
	cfg := s.relay.cfg
	s.conn.SetReadLimit(cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[relay] chat=%d user=%d read error: %v", s.chatID, s.userID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		s.handle(ctx, raw)
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) {
	m := s.relay.metrics

	cmd, err := Decode(raw)
	if err != nil {
		var unsupported *UnsupportedKindError
		if errors.As(err, &unsupported) {
			m.FrameReceived("unsupported")
		} else {
			m.FrameReceived("invalid")
		}
		s.reply(errorFrame(replyText(err)))
		return
	}

	m.FrameReceived(cmd.Kind())
	if err := s.relay.dispatch(ctx, s, cmd); err != nil {
		m.CommandFailed(cmd.Kind())
		log.Printf("[relay] chat=%d user=%d %s failed: %v", s.chatID, s.userID, cmd.Kind(), err)
		s.reply(errorFrame(replyText(err)))
	}
}

// reply 只发给当前会话
func (s *Session) reply(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[relay] encode %s frame failed: %v", frame.Type, err)
		return
	}
	if !s.Enqueue(payload) {
		s.relay.metrics.FrameDropped()
	}
}

func (s *Session) writePump() {
	cfg := s.relay.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				log.Printf("[relay] chat=%d user=%d write failed: %v", s.chatID, s.userID, err)
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			if s.closeCode != websocket.CloseTryAgainLater {
				s.flush()
			}
			if s.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteWait))
			}
			return
		}
	}
}

// flush 写出队列中已有的帧
func (s *Session) flush() {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(messageType int, payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.relay.cfg.WriteWait))
	return s.conn.WriteMessage(messageType, payload)
}

// teardown 注销会话并广播离开，只执行一次
func (s *Session) teardown() {
	s.leaveOnce.Do(func() {
		released := s.relay.registry.Release(s.chatID, s.userID, s)
		s.Close(websocket.CloseNormalClosure, "")
		<-s.writerDone

		if released {
			s.relay.announceLeft(s.chatID, s.userID)
		}
		log.Printf("[relay] chat=%d user=%d disconnected", s.chatID, s.userID)
	})
}
