package chat

import "time"

// Chat 聊天室，包含成员与按时间排序的消息
type Chat struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"size:200;not null" json:"name"`
	LastMessageID int64     `gorm:"not null;default:0" json:"last_message_id"`
	CreatedAt     time.Time `json:"creation_date"`
	Status        int       `gorm:"not null;default:0" json:"message_status"`
}

// TableName 固定表名，不随驱动变化
func (Chat) TableName() string { return "chat_table" }

// User 聊天参与者，资料字段对中继透明
type User struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Surname   string    `gorm:"size:100" json:"surname"`
	Login     string    `gorm:"size:100;uniqueIndex" json:"login"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "user_table" }

// Membership 用户与聊天的成员关系
type Membership struct {
	ID     int64 `gorm:"primaryKey" json:"id"`
	ChatID int64 `gorm:"not null;uniqueIndex:idx_member_chat_user" json:"chat_id"`
	UserID int64 `gorm:"not null;uniqueIndex:idx_member_chat_user;index" json:"user_id"`
}

func (Membership) TableName() string { return "user_in_chat_table" }
