package service

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/pkg/log"
)

// ConversationIndex 是搜索索引中与对话生命周期相关的部分。
type ConversationIndex interface {
	DeleteByConversation(ctx context.Context, conversationID uint) error
}

// ConversationDetail 是对话详情，包含按时间排序的全部消息。
type ConversationDetail struct {
	model.ConversationSummary
	Messages []model.Message `json:"messages"`
}

// ConversationService 定义了对话业务逻辑的接口。所有操作都限定在 userID 名下。
type ConversationService interface {
	List(ctx context.Context, userID uint) ([]model.ConversationSummary, error)
	Create(ctx context.Context, userID uint, title string) (*model.Conversation, error)
	Get(ctx context.Context, userID, id uint) (*ConversationDetail, error)
	// Rename 返回最终标题；新标题为空白时保留原标题。
	Rename(ctx context.Context, userID, id uint, title string) (string, error)
	Delete(ctx context.Context, userID, id uint) error
}

type conversationService struct {
	repo        repository.ConversationRepository
	index       ConversationIndex
	titleMaxLen int
}

// NewConversationService 创建一个新的 ConversationService。index 可以为 nil。
func NewConversationService(repo repository.ConversationRepository, index ConversationIndex, titleMaxLen int) ConversationService {
	return &conversationService{repo: repo, index: index, titleMaxLen: titleMaxLen}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	return err
}

func (s *conversationService) List(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	list, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.ConversationSummary{}
	}
	return list, nil
}

func (s *conversationService) Create(ctx context.Context, userID uint, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultConversationTitle
	}
	conv := &model.Conversation{UserID: userID, Title: TruncateTitle(title, s.titleMaxLen)}
	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *conversationService) Get(ctx context.Context, userID, id uint) (*ConversationDetail, error) {
	conv, err := s.repo.FindByIDAndUser(ctx, id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	msgs, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &ConversationDetail{
		ConversationSummary: model.ConversationSummary{
			ID:           conv.ID,
			Title:        conv.Title,
			CreatedAt:    conv.CreatedAt,
			MessageCount: int64(len(msgs)),
		},
		Messages: msgs,
	}, nil
}

func (s *conversationService) Rename(ctx context.Context, userID, id uint, title string) (string, error) {
	conv, err := s.repo.FindByIDAndUser(ctx, id, userID)
	if err != nil {
		return "", notFound(err)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return conv.Title, nil
	}
	title = TruncateTitle(title, s.titleMaxLen)
	if err := s.repo.UpdateTitle(ctx, conv.ID, userID, title); err != nil {
		return "", notFound(err)
	}
	return title, nil
}

func (s *conversationService) Delete(ctx context.Context, userID, id uint) error {
	if err := s.repo.Delete(ctx, id, userID); err != nil {
		return notFound(err)
	}
	if s.index != nil {
		// 索引清理失败不影响删除结果
		if err := s.index.DeleteByConversation(ctx, id); err != nil {
			log.Errorw("failed to remove conversation from search index", "conversationId", id, "error", err)
		}
	}
	return nil
}
