package model

import "time"

// Role 标识一条消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultConversationTitle 新建对话时的默认标题。
const DefaultConversationTitle = "New chat"

// Conversation 是属于某个用户的一段有序对话。
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(200);not null;default:'New chat'" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	Messages  []Message `gorm:"constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 是对话中的一条消息，创建后不再修改。
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"index;not null" json:"-"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// ConversationSummary 是对话列表中的一项。
type ConversationSummary struct {
	ID           uint      `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int64     `json:"message_count"`
}
