package model

import "time"

// MessageDocument 是存储在 Elasticsearch 中的消息文档。
type MessageDocument struct {
	MessageID      uint      `json:"message_id"`
	ConversationID uint      `json:"conversation_id"`
	UserID         uint      `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchHit 定义了返回给前端的搜索结果结构。
type SearchHit struct {
	ConversationID uint      `json:"conversation_id"`
	MessageID      uint      `json:"message_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Score          float64   `json:"score"`
}
