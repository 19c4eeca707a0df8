package model

// HistoryEntry 是会话历史（未绑定对话时的短期上下文）中的一条记录，以 JSON 存储在 Redis。
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToHistory 将持久化的消息转换为用于拼接 prompt 的历史记录。
func ToHistory(messages []Message) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return entries
}
