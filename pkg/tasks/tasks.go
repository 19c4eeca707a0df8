// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ExchangeMessage 是一次对话交换中的单条已持久化消息。
type ExchangeMessage struct {
	MessageID uint   `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// ExchangeIndexTask 在一次完整的对话交换（用户消息 + 助手回复）持久化后发布，
// 由消费者写入搜索索引。
type ExchangeIndexTask struct {
	ConversationID uint              `json:"conversation_id"`
	UserID         uint              `json:"user_id"`
	Messages       []ExchangeMessage `json:"messages"`
}
