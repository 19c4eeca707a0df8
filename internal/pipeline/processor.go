// Package pipeline 定义了对话交换事件的后台处理流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/pkg/log"
	"ollama-chat-go/pkg/tasks"
)

// MessageIndexer 是搜索索引的写入端。
type MessageIndexer interface {
	IndexMessage(ctx context.Context, doc model.MessageDocument) error
}

// Processor 把一次交换中的消息写入搜索索引。
type Processor struct {
	indexer MessageIndexer
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(indexer MessageIndexer) *Processor {
	return &Processor{indexer: indexer}
}

// Process 逐条索引消息。写入以消息 ID 为键，重试时不会产生重复文档。
func (p *Processor) Process(ctx context.Context, task tasks.ExchangeIndexTask) error {
	if task.ConversationID == 0 || task.UserID == 0 {
		return errors.New("exchange task missing conversation or user")
	}
	log.Infof("[Processor] 开始索引交换, ConversationID: %d, 消息数: %d", task.ConversationID, len(task.Messages))

	for _, m := range task.Messages {
		doc := model.MessageDocument{
			MessageID:      m.MessageID,
			ConversationID: task.ConversationID,
			UserID:         task.UserID,
			Role:           model.Role(m.Role),
			Content:        m.Content,
			CreatedAt:      time.UnixMilli(m.CreatedAt).UTC(),
		}
		if err := p.indexer.IndexMessage(ctx, doc); err != nil {
			return fmt.Errorf("索引消息 %d 失败: %w", m.MessageID, err)
		}
	}
	return nil
}
