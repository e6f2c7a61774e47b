package relay

import (
	"log"
	"time"
)

// announceJoined 通知其他成员 userID 已上线
func (r *Relay) announceJoined(chatID, userID int64) {
	r.announce(chatID, userID, TypeUserJoined, userID)
}

// announceLeft 通知剩余成员 userID 已离开
func (r *Relay) announceLeft(chatID, userID int64) {
	r.announce(chatID, userID, TypeUserLeft, 0)
}

func (r *Relay) announce(chatID, userID int64, kind string, exclude int64) {
	frame := Frame{Type: kind, Data: presenceData{
		UserID:    userID,
		ChatID:    chatID,
		Timestamp: r.now().UTC(),
	}}
	if _, err := r.registry.Broadcast(chatID, frame, exclude); err != nil {
		log.Printf("[relay] %s broadcast chat=%d user=%d failed: %v", kind, chatID, userID, err)
	}
}

func defaultNow() time.Time { return time.Now() }
