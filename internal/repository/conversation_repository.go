package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"ollama-chat-go/internal/model"
)

// ConversationRepository 定义了对话与消息的持久化操作。
// 所有按对话 ID 的读写都带上 userID，保证用户只能访问自己的对话。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	// FindByIDAndUser 不存在或不属于该用户时返回 gorm.ErrRecordNotFound。
	FindByIDAndUser(ctx context.Context, id, userID uint) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID uint) ([]model.ConversationSummary, error)
	UpdateTitle(ctx context.Context, id, userID uint, title string) error
	Delete(ctx context.Context, id, userID uint) error

	CreateMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, conversationID uint) ([]model.Message, error)
	SearchMessages(ctx context.Context, userID uint, query string, limit int) ([]model.SearchHit, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	if conv.Title == "" {
		conv.Title = model.DefaultConversationTitle
	}
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *conversationRepository) FindByIDAndUser(ctx context.Context, id, userID uint) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListByUser 返回用户的全部对话，最新的在前，附带消息数量。
func (r *conversationRepository) ListByUser(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Select("conversations.id, conversations.title, conversations.created_at, "+
			"(SELECT COUNT(*) FROM messages WHERE messages.conversation_id = conversations.id) AS message_count").
		Where("conversations.user_id = ?", userID).
		Order("conversations.created_at DESC, conversations.id DESC").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversationRepository) UpdateTitle(ctx context.Context, id, userID uint, title string) error {
	res := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 标题未变化时 MySQL 也会返回 0，这里再确认一次归属
		var count int64
		if err := r.db.WithContext(ctx).Model(&model.Conversation{}).
			Where("id = ? AND user_id = ?", id, userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

// Delete 在一个事务里删除对话及其全部消息。
func (r *conversationRepository) Delete(ctx context.Context, id, userID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&conv).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&conv).Error
	})
}

func (r *conversationRepository) CreateMessage(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// ListMessages 按创建时间升序返回消息，时间相同按 ID 升序。
func (r *conversationRepository) ListMessages(ctx context.Context, conversationID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// SearchMessages 是没有 Elasticsearch 时的兜底搜索，使用 LIKE 匹配消息内容。
func (r *conversationRepository) SearchMessages(ctx context.Context, userID uint, query string, limit int) ([]model.SearchHit, error) {
	var msgs []model.Message
	pattern := "%" + escapeLike(query) + "%"
	err := r.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.user_id = ? AND messages.content LIKE ? ESCAPE '!'", userID, pattern).
		Order("messages.created_at DESC, messages.id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	hits := make([]model.SearchHit, 0, len(msgs))
	for _, m := range msgs {
		hits = append(hits, model.SearchHit{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Role:           m.Role,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
	}
	return hits, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`).Replace(s)
}
