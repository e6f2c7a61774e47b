package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/storage"
)

type harness struct {
	chats  *chatservice.Service
	blobs  *memBlobs
	relay  *Relay
	server *httptest.Server
}

type harnessSetup struct {
	cfg  config.RelayConfig
	wrap func(ChatStore) ChatStore
}

type harnessOption func(*harnessSetup)

func withRelayConfig(fn func(*config.RelayConfig)) harnessOption {
	return func(s *harnessSetup) { fn(&s.cfg) }
}

// withStore 在中继和聊天服务之间插入一层存储包装
func withStore(wrap func(ChatStore) ChatStore) harnessOption {
	return func(s *harnessSetup) { s.wrap = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	setup := harnessSetup{cfg: config.DefaultRelayConfig()}
	for _, opt := range opts {
		opt(&setup)
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := chatservice.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	chats := chatservice.NewService(db)
	blobs := newMemBlobs()
	var store ChatStore = chats
	if setup.wrap != nil {
		store = setup.wrap(chats)
	}
	r := New(setup.cfg, store, WithBlobStore(blobs))

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	router := chi.NewRouter()
	router.Get("/ws/chats/{chatID}/users/{userID}", func(w http.ResponseWriter, req *http.Request) {
		chatID, _ := strconv.ParseInt(chi.URLParam(req, "chatID"), 10, 64)
		userID, _ := strconv.ParseInt(chi.URLParam(req, "userID"), 10, 64)
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Accept(req.Context(), conn, chatID, userID)
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
		server.Close()
		_ = sqlDB.Close()
	})

	return &harness{chats: chats, blobs: blobs, relay: r, server: server}
}

func (h *harness) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := h.chats.CreateUser(context.Background(), chat.User{Name: name, Login: name})
	if err != nil {
		t.Fatalf("CreateUser err: %v", err)
	}
	return u.ID
}

func (h *harness) chat(t *testing.T, members ...int64) int64 {
	t.Helper()
	c, err := h.chats.CreateChat(context.Background(), "room", members)
	if err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}
	return c.ID
}

func (h *harness) dial(chatID, userID int64) (*websocket.Conn, error) {
	return h.dialWith(websocket.DefaultDialer, chatID, userID)
}

func (h *harness) dialWith(dialer *websocket.Dialer, chatID, userID int64) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + fmt.Sprintf("/ws/chats/%d/users/%d", chatID, userID)
	conn, _, err := dialer.Dial(url, nil)
	return conn, err
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// connect dials and waits until the session is registered.
func (h *harness) connect(t *testing.T, chatID, userID int64) *client {
	t.Helper()
	conn, err := h.dial(chatID, userID)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	h.waitFor(t, func() bool {
		return h.relay.Registry().lookup(chatID, userID) != nil
	})
	return &client{t: t, conn: conn}
}

func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func (c *client) send(kind string, data any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"type": kind, "data": data}); err != nil {
		c.t.Fatalf("write err: %v", err)
	}
}

func (c *client) next() received {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f received
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("read err: %v", err)
	}
	return f
}

// expect skips presence frames until a frame of the given type arrives.
func (c *client) expect(kind string, v any) {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f := c.next()
		if f.Type == kind {
			if v != nil {
				if err := json.Unmarshal(f.Data, v); err != nil {
					c.t.Fatalf("decode %s data: %v", kind, err)
				}
			}
			return
		}
		if f.Type != TypeUserJoined && f.Type != TypeUserLeft {
			c.t.Fatalf("expected %s, got %s: %s", kind, f.Type, f.Data)
		}
	}
	c.t.Fatalf("no %s frame received", kind)
}

func (c *client) expectError(want string) {
	c.t.Helper()
	var data errorData
	c.expect(TypeError, &data)
	if data.Message != want {
		c.t.Fatalf("expected error %q, got %q", want, data.Message)
	}
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			t.Fatalf("expected close error, got %v", err)
		}
	}
}

func TestNonMemberRejectedWithoutJoin(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	shared := h.chat(t, alice, bob)
	private := h.chat(t, bob)

	h.connect(t, shared, alice)
	watcher := h.connect(t, private, bob)

	conn, err := h.dial(private, alice)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	if code := closeCode(t, conn); code != CloseNotMember {
		t.Fatalf("expected close code %d, got %d", CloseNotMember, code)
	}

	for _, id := range h.relay.Registry().ListActive(private) {
		if id == alice {
			t.Fatal("rejected user must not be registered")
		}
	}

	watcher.send("fetch_active_users", nil)
	f := watcher.next()
	if f.Type != TypeActiveUsers {
		t.Fatalf("expected no join notice before active_users, got %s", f.Type)
	}
	var users activeUsersData
	_ = json.Unmarshal(f.Data, &users)
	if len(users.Users) != 1 || users.Users[0] != bob {
		t.Fatalf("unexpected active users: %+v", users)
	}
}

func TestUnknownChatRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")

	conn, err := h.dial(9999, alice)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	if code := closeCode(t, conn); code != CloseChatNotFound {
		t.Fatalf("expected close code %d, got %d", CloseChatNotFound, code)
	}
}

func TestSendMessageBroadcastsToEveryone(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)

	sender := h.connect(t, room, alice)
	peer := h.connect(t, room, bob)

	var joined presenceData
	sender.expect(TypeUserJoined, &joined)
	if joined.UserID != bob {
		t.Fatalf("expected join notice for bob, got %+v", joined)
	}

	sender.send("send-message", map[string]any{"text": "hello"})

	var got MessageView
	peer.expect(TypeNewMessage, &got)
	if got.Text != "hello" || got.ID == 0 || got.Status || got.FromUserID != alice || got.ChatID != room {
		t.Fatalf("unexpected message view: %+v", got)
	}
	if got.Files == nil {
		t.Fatal("files should be an empty list, not null")
	}

	var echoed MessageView
	sender.expect(TypeNewMessage, &echoed)
	if echoed.ID != got.ID {
		t.Fatalf("sender got a different message: %d vs %d", echoed.ID, got.ID)
	}

	stored, err := h.chats.GetChat(context.Background(), room)
	if err != nil || stored.LastMessageID != got.ID {
		t.Fatalf("expected last_message_id %d, got %+v (%v)", got.ID, stored, err)
	}
}

func TestMessageDatesNonDecreasing(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)
	c := h.connect(t, room, alice)

	var prev time.Time
	for i := 0; i < 5; i++ {
		c.send("send_message", map[string]any{"text": fmt.Sprintf("m%d", i)})
		var view MessageView
		c.expect(TypeNewMessage, &view)
		if view.Date.Before(prev) {
			t.Fatalf("date went backwards: %s before %s", view.Date, prev)
		}
		prev = view.Date
	}
}

func TestTypingNotEchoedToSender(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)

	typer := h.connect(t, room, alice)
	peer := h.connect(t, room, bob)
	typer.expect(TypeUserJoined, nil)

	typer.send("typing", map[string]any{"is_typing": true})

	var typing userTypingData
	peer.expect(TypeUserTyping, &typing)
	if typing.UserID != alice || !typing.IsTyping {
		t.Fatalf("unexpected typing frame: %+v", typing)
	}

	typer.send("fetch_active_users", nil)
	if f := typer.next(); f.Type != TypeActiveUsers {
		t.Fatalf("sender received %s before its own reply", f.Type)
	}
}

func TestMalformedFramesKeepSessionOpen(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)
	c := h.connect(t, room, alice)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write err: %v", err)
	}
	c.expectError("Invalid message format")

	c.send("dance", map[string]any{})
	c.expectError("unsupported message type: dance")

	c.send("read", map[string]any{"message_id": 424242})
	c.expectError("Message not found")

	c.send("fetch_active_users", nil)
	var users activeUsersData
	c.expect(TypeActiveUsers, &users)
	if len(users.Users) != 1 || users.Users[0] != alice {
		t.Fatalf("unexpected active users: %+v", users)
	}
}

func TestHistoryPagesAreDescendingAndContiguous(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := h.chats.CreateMessage(ctx, chat.MessageDraft{ChatID: room, FromUserID: alice, Text: strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("CreateMessage err: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	c := h.connect(t, room, alice)
	var collected []MessageView
	for skip := 0; skip < 6; skip += 2 {
		c.send("fetch_history", map[string]any{"skip": skip, "limit": 2})
		var page chatHistoryData
		c.expect(TypeChatHistory, &page)
		if page.ChatID != room || page.Total != len(page.Messages) {
			t.Fatalf("unexpected page header: %+v", page)
		}
		collected = append(collected, page.Messages...)
	}

	if len(collected) != len(ids) {
		t.Fatalf("expected %d messages, got %d", len(ids), len(collected))
	}
	for i, view := range collected {
		if want := ids[len(ids)-1-i]; view.ID != want {
			t.Fatalf("position %d: got id %d want %d", i, view.ID, want)
		}
		if i > 0 && view.Date.After(collected[i-1].Date) {
			t.Fatalf("history not descending at %d", i)
		}
	}
}

func TestReadBroadcastsReceipt(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)
	msg, _ := h.chats.CreateMessage(context.Background(), chat.MessageDraft{ChatID: room, FromUserID: alice, Text: "hi"})

	author := h.connect(t, room, alice)
	reader := h.connect(t, room, bob)

	reader.send("read", map[string]any{"message_id": msg.ID})

	var receipt messageReadData
	author.expect(TypeMessageRead, &receipt)
	if receipt.MessageID != msg.ID || receipt.ReadBy != bob {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	reader.expect(TypeMessageRead, nil)

	stored, _ := h.chats.GetMessage(context.Background(), msg.ID)
	if !stored.Status {
		t.Fatal("expected message marked read")
	}
}

func TestMessageFromAnotherChatIsHidden(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room, other := h.chat(t, alice), h.chat(t, alice)
	foreign, _ := h.chats.CreateMessage(context.Background(), chat.MessageDraft{ChatID: other, FromUserID: alice, Text: "x"})

	c := h.connect(t, room, alice)
	c.send("file_info", map[string]any{"message_id": foreign.ID})
	c.expectError("Message not found")
}

func TestSendMessageWithInlineAndPreuploadedFiles(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)
	ctx := context.Background()

	placeholder, _ := h.blobs.Upload(ctx, room, storage.PlaceholderMessageID, storage.File{Name: "voice.ogg", ContentType: "audio/ogg", Content: []byte{9}})

	c := h.connect(t, room, alice)
	c.send("send_message", map[string]any{
		"text": "with files",
		"files": []map[string]string{{
			"name":         "note.txt",
			"content_type": "text/plain",
			"content":      base64.StdEncoding.EncodeToString([]byte("hi there")),
		}},
		"file_paths": []string{placeholder},
	})

	var view MessageView
	c.expect(TypeNewMessage, &view)
	if len(view.Files) != 2 {
		t.Fatalf("expected two files, got %+v", view.Files)
	}
	prefix := fmt.Sprintf("%d/%d/", room, view.ID)
	for _, f := range view.Files {
		if !strings.HasPrefix(f.FilePath, prefix) {
			t.Fatalf("file %s not stored under %s", f.FilePath, prefix)
		}
	}
	if h.blobs.has(placeholder) {
		t.Fatal("placeholder key should have been renamed")
	}

	stored, _ := h.chats.GetMessage(ctx, view.ID)
	if len(stored.MediaKeys()) != 2 {
		t.Fatalf("expected media persisted, got %q", stored.Media)
	}
}

func TestSendMessageRejectsForeignFilePath(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)

	c := h.connect(t, room, alice)
	c.send("send_message", map[string]any{"file_paths": []string{"999/0/x.png"}})
	c.expectError("Invalid file path: 999/0/x.png")

	c.send("send_message", map[string]any{"text": "  "})
	c.expectError("Message must contain text or files")
}

func seedFileMessage(t *testing.T, h *harness, chatID, author int64) (chat.Message, string) {
	t.Helper()
	ctx := context.Background()
	msg, err := h.chats.CreateMessage(ctx, chat.MessageDraft{ChatID: chatID, FromUserID: author, Text: "see file"})
	if err != nil {
		t.Fatalf("CreateMessage err: %v", err)
	}
	key, _ := h.blobs.Upload(ctx, chatID, msg.ID, storage.File{Name: "a.png", ContentType: "image/png", Content: []byte{1, 2}})
	msg, err = h.chats.AttachMedia(ctx, msg.ID, []string{key})
	if err != nil {
		t.Fatalf("AttachMedia err: %v", err)
	}
	return msg, key
}

func TestDeleteFileByNonSenderIsDenied(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)
	msg, key := seedFileMessage(t, h, room, alice)

	intruder := h.connect(t, room, bob)
	intruder.send("delete_file", map[string]any{"message_id": msg.ID, "file_path": key})
	intruder.expectError("Permission denied to delete this file")

	stored, _ := h.chats.GetMessage(context.Background(), msg.ID)
	if stored.Media != msg.Media {
		t.Fatalf("media changed: %q -> %q", msg.Media, stored.Media)
	}
	if !h.blobs.has(key) {
		t.Fatal("blob must not be deleted")
	}
}

func TestDeleteFileBySender(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)
	msg, key := seedFileMessage(t, h, room, alice)

	author := h.connect(t, room, alice)
	peer := h.connect(t, room, bob)

	author.send("file_info", map[string]any{"message_id": msg.ID})
	var info fileInfoData
	author.expect(TypeFileInfo, &info)
	if len(info.Files) != 1 || info.Files[0].FilePath != key || info.Files[0].FileName != "a.png" {
		t.Fatalf("unexpected file info: %+v", info)
	}

	author.send("delete_file", map[string]any{"message_id": msg.ID, "file_path": key})
	var deleted fileDeletedData
	peer.expect(TypeFileDeleted, &deleted)
	if deleted.MessageID != msg.ID || deleted.FilePath != key || deleted.DeletedBy != alice {
		t.Fatalf("unexpected file_deleted: %+v", deleted)
	}
	var own fileDeletedData
	author.expect(TypeFileDeleted, &own)
	if own != deleted {
		t.Fatalf("sender got a different file_deleted: %+v vs %+v", own, deleted)
	}

	stored, _ := h.chats.GetMessage(context.Background(), msg.ID)
	if stored.Media != "" || h.blobs.has(key) {
		t.Fatalf("expected file removed, media=%q", stored.Media)
	}

	author.send("delete_file", map[string]any{"message_id": msg.ID, "file_path": key})
	author.expectError("File not found in message")
}

func TestDeleteMessageCleansBlobs(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)
	msg, key := seedFileMessage(t, h, room, alice)

	author := h.connect(t, room, alice)
	peer := h.connect(t, room, bob)

	peer.send("delete_message", map[string]any{"message_id": msg.ID})
	peer.expectError("Permission denied to delete this message")

	author.send("delete_message", map[string]any{"message_id": msg.ID})
	var deleted messageDeletedData
	peer.expect(TypeMessageDeleted, &deleted)
	if deleted.MessageID != msg.ID || deleted.DeletedBy != alice {
		t.Fatalf("unexpected message_deleted: %+v", deleted)
	}
	author.expect(TypeMessageDeleted, nil)
	if h.blobs.has(key) {
		t.Fatal("expected blob cleanup")
	}
	if _, err := h.chats.GetMessage(context.Background(), msg.ID); !errors.Is(err, chatservice.ErrMessageNotFound) {
		t.Fatalf("expected message deleted, got %v", err)
	}
}

func TestLeaveBroadcastAndEmptyRoomRemoved(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)

	stayer := h.connect(t, room, alice)
	leaver := h.connect(t, room, bob)
	stayer.expect(TypeUserJoined, nil)

	_ = leaver.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = leaver.conn.Close()

	var left presenceData
	stayer.expect(TypeUserLeft, &left)
	if left.UserID != bob || left.ChatID != room {
		t.Fatalf("unexpected user_left: %+v", left)
	}

	_ = stayer.conn.Close()
	h.waitFor(t, func() bool { return !h.relay.Registry().HasChat(room) })

	h.connect(t, room, bob)
	if !h.relay.Registry().HasChat(room) {
		t.Fatal("expected reconnect to recreate presence")
	}
}

func TestNewerSessionReplacesOlder(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)

	old := h.connect(t, room, alice)
	first := h.relay.Registry().lookup(room, alice)

	conn, err := h.dial(room, alice)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	h.waitFor(t, func() bool {
		current := h.relay.Registry().lookup(room, alice)
		return current != nil && current != first
	})

	if code := closeCode(t, old.conn); code != CloseSessionReplaced {
		t.Fatalf("expected close code %d, got %d", CloseSessionReplaced, code)
	}

	fresh := &client{t: t, conn: conn}
	fresh.send("fetch_active_users", nil)
	var users activeUsersData
	fresh.expect(TypeActiveUsers, &users)
	if len(users.Users) != 1 || users.Users[0] != alice {
		t.Fatalf("replacement session lost its registration: %+v", users)
	}
}

func TestEvictClosesSession(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)
	c := h.connect(t, room, alice)

	if !h.relay.Evict(room, alice) {
		t.Fatal("expected a live session to evict")
	}
	c.expectError("You have been removed from this chat")
	if code := closeCode(t, c.conn); code != CloseNotMember {
		t.Fatalf("expected close code %d, got %d", CloseNotMember, code)
	}
	h.waitFor(t, func() bool { return !h.relay.Registry().HasChat(room) })
}

func TestSendMessageRollsBackOnStorageFailure(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	room := h.chat(t, alice)

	c := h.connect(t, room, alice)
	c.send("send_message", map[string]any{
		"text":       "lost",
		"files":      []map[string]string{{"name": "a.txt", "content": "aGk="}},
		"file_paths": []string{fmt.Sprintf("%d/0/gone.png", room)},
	})
	c.expectError("Failed to upload file")

	if keys := h.blobs.keys(); len(keys) != 0 {
		t.Fatalf("expected uploaded blobs removed, got %v", keys)
	}
	msgs, err := h.chats.ListMessages(context.Background(), room, 0, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected message rolled back, got %d (%v)", len(msgs), err)
	}
	stored, _ := h.chats.GetChat(context.Background(), room)
	if stored.LastMessageID != 0 {
		t.Fatalf("expected last_message_id reset, got %d", stored.LastMessageID)
	}
}

func TestMessageDeletedReachesEverySession(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)

	first := h.connect(t, room, alice)
	second := h.connect(t, room, bob)

	h.relay.MessageDeleted(room, 77, 0)

	for _, c := range []*client{first, second} {
		var raw map[string]any
		c.expect(TypeMessageDeleted, &raw)
		if raw["message_id"] != float64(77) {
			t.Fatalf("unexpected message_deleted: %v", raw)
		}
		if _, ok := raw["deleted_by"]; ok {
			t.Fatalf("deleted_by should be omitted for API deletes: %v", raw)
		}
	}
}

// blockingStore 的 ListMessages 一直阻塞到调用方 ctx 结束
type blockingStore struct {
	ChatStore
	entered   chan struct{}
	cancelled chan struct{}
}

func (s *blockingStore) ListMessages(ctx context.Context, chatID int64, skip, limit int) ([]chat.Message, error) {
	close(s.entered)
	<-ctx.Done()
	close(s.cancelled)
	return nil, ctx.Err()
}

func newBlockingStore(inner ChatStore) *blockingStore {
	return &blockingStore{
		ChatStore: inner,
		entered:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestDeadPeerCleanedUpWhileHandlerBlocks(t *testing.T) {
	var store *blockingStore
	h := newHarness(t,
		withRelayConfig(func(cfg *config.RelayConfig) {
			cfg.PingInterval = 20 * time.Millisecond
			cfg.PongWait = 2 * time.Second
		}),
		withStore(func(inner ChatStore) ChatStore {
			store = newBlockingStore(inner)
			return store
		}),
	)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)

	watcher := h.connect(t, room, alice)
	stuck := h.connect(t, room, bob)
	watcher.expect(TypeUserJoined, nil)

	stuck.send("fetch_history", map[string]any{})
	waitClosed(t, store.entered, "history load to start")

	// 对端直接断开 TCP，不发送关闭帧
	_ = stuck.conn.UnderlyingConn().Close()

	var left presenceData
	watcher.expect(TypeUserLeft, &left)
	if left.UserID != bob {
		t.Fatalf("unexpected user_left: %+v", left)
	}
	if h.relay.Registry().lookup(room, bob) != nil {
		t.Fatal("dead session still registered")
	}
	waitClosed(t, store.cancelled, "history load to be cancelled")
}

func TestEvictCancelsInFlightCommand(t *testing.T) {
	var store *blockingStore
	h := newHarness(t, withStore(func(inner ChatStore) ChatStore {
		store = newBlockingStore(inner)
		return store
	}))
	alice := h.user(t, "alice")
	room := h.chat(t, alice)
	c := h.connect(t, room, alice)

	c.send("fetch_history", map[string]any{})
	waitClosed(t, store.entered, "history load to start")

	if !h.relay.Evict(room, alice) {
		t.Fatal("expected a live session to evict")
	}
	waitClosed(t, store.cancelled, "history load to be cancelled")
	if code := closeCode(t, c.conn); code != CloseNotMember {
		t.Fatalf("expected close code %d, got %d", CloseNotMember, code)
	}
	h.waitFor(t, func() bool { return !h.relay.Registry().HasChat(room) })
}

// panickyStore 查询消息时直接 panic
type panickyStore struct {
	ChatStore
}

func (panickyStore) GetMessage(context.Context, int64) (chat.Message, error) {
	panic("message table unavailable")
}

func TestHandlerPanicEndsOnlyThatSession(t *testing.T) {
	h := newHarness(t, withStore(func(inner ChatStore) ChatStore {
		return panickyStore{ChatStore: inner}
	}))
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	room := h.chat(t, alice, bob)

	watcher := h.connect(t, room, alice)
	crasher := h.connect(t, room, bob)
	watcher.expect(TypeUserJoined, nil)

	crasher.send("read", map[string]any{"message_id": 1})
	if code := closeCode(t, crasher.conn); code != websocket.CloseInternalServerErr {
		t.Fatalf("expected close code %d, got %d", websocket.CloseInternalServerErr, code)
	}

	var left presenceData
	watcher.expect(TypeUserLeft, &left)
	if left.UserID != bob {
		t.Fatalf("unexpected user_left: %+v", left)
	}
	if h.relay.Registry().lookup(room, bob) != nil {
		t.Fatal("crashed session still registered")
	}

	watcher.send("fetch_active_users", nil)
	var users activeUsersData
	watcher.expect(TypeActiveUsers, &users)
	if len(users.Users) != 1 || users.Users[0] != alice {
		t.Fatalf("unexpected active users: %+v", users)
	}
}

func TestEnqueueClosesSessionWhenQueueFull(t *testing.T) {
	cfg := config.DefaultRelayConfig()
	cfg.SendBuffer = 1
	s := newSession(New(cfg, nil), nil, 1, 2)

	if !s.Enqueue([]byte("a")) {
		t.Fatal("first frame should fit")
	}
	if s.Enqueue([]byte("b")) {
		t.Fatal("second frame should overflow")
	}
	select {
	case <-s.done:
	default:
		t.Fatal("overflow must close the session")
	}
	if s.closeCode != websocket.CloseTryAgainLater || s.closeReason != slowConsumerCloseReason {
		t.Fatalf("unexpected close: %d %q", s.closeCode, s.closeReason)
	}
	if s.Enqueue([]byte("c")) {
		t.Fatal("closed session must refuse frames")
	}
}

func TestSlowConsumerDroppedWithoutStallingOthers(t *testing.T) {
	h := newHarness(t, withRelayConfig(func(cfg *config.RelayConfig) {
		cfg.SendBuffer = 1
		cfg.WriteWait = 500 * time.Millisecond
	}))
	slowID, fastID := h.user(t, "slow"), h.user(t, "fast")
	room := h.chat(t, slowID, fastID)

	// 读缓冲很小且从不读取，服务端写入很快会阻塞
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetReadBuffer(4096)
			}
			return conn, nil
		},
	}
	slowConn, err := h.dialWith(dialer, room, slowID)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { _ = slowConn.Close() })
	h.waitFor(t, func() bool { return h.relay.Registry().lookup(room, slowID) != nil })

	fast := h.connect(t, room, fastID)

	bulk := make(chan struct{}, 1)
	drained := make(chan error, 1)
	go func() {
		for {
			_ = fast.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var f received
			if err := fast.conn.ReadJSON(&f); err != nil {
				drained <- err
				return
			}
			switch f.Type {
			case "bulk":
				bulk <- struct{}{}
			case "drain_done":
				drained <- nil
				return
			}
		}
	}()

	payload := strings.Repeat("x", 256<<10)
	dropped := false
	for i := 0; i < 400 && !dropped; i++ {
		if _, err := h.relay.Registry().Broadcast(room, Frame{Type: "bulk", Data: payload}, 0); err != nil {
			t.Fatalf("Broadcast err: %v", err)
		}
		select {
		case <-bulk:
		case err := <-drained:
			t.Fatalf("healthy session stopped reading: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatalf("healthy session stalled after %d frames", i)
		}
		dropped = h.relay.Registry().lookup(room, slowID) == nil
	}
	if !dropped {
		t.Fatal("slow session was never dropped")
	}
	if h.relay.Registry().lookup(room, fastID) == nil {
		t.Fatal("healthy session must stay registered")
	}

	_, _ = h.relay.Registry().Broadcast(room, Frame{Type: "drain_done"}, 0)
	if err := <-drained; err != nil {
		t.Fatalf("drain err: %v", err)
	}

	fast.send("fetch_active_users", nil)
	var users activeUsersData
	fast.expect(TypeActiveUsers, &users)
	if len(users.Users) != 1 || users.Users[0] != fastID {
		t.Fatalf("unexpected active users: %+v", users)
	}
}
