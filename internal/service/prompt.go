package service

import (
	"strings"

	"ollama-chat-go/internal/model"
)

// ComposePrompt 把历史轮次和新的用户消息折叠成一段 prompt，末尾以 "Assistant:" 提示模型作答。
// 历史为空时只有两行；否则以 "Conversation:" 开头，每条历史一行。
func ComposePrompt(history []model.HistoryEntry, message string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation:\n")
		for _, h := range history {
			b.WriteString(speaker(h.Role))
			b.WriteString(": ")
			b.WriteString(h.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("User: ")
	b.WriteString(message)
	b.WriteString("\nAssistant:")
	return b.String()
}

// 非 assistant 的角色一律按用户处理
func speaker(role model.Role) string {
	if role == model.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// TruncateHistory 只保留最近 maxTurns 轮（2*maxTurns 条）。maxTurns<=0 时不截断。
func TruncateHistory(entries []model.HistoryEntry, maxTurns int) []model.HistoryEntry {
	limit := maxTurns * 2
	if maxTurns <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}

// TruncateTitle 按字符（而不是字节）截断标题。
func TruncateTitle(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
