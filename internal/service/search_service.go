package service

import (
	"context"
	"strings"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/pkg/log"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// MessageSearcher 是全文搜索后端（Elasticsearch）。
type MessageSearcher interface {
	Search(ctx context.Context, userID uint, query string, limit int) ([]model.SearchHit, error)
}

// SearchService 在用户自己的消息中搜索。
type SearchService interface {
	Search(ctx context.Context, userID uint, query string, limit int) ([]model.SearchHit, error)
}

type searchService struct {
	searcher MessageSearcher
	repo     repository.ConversationRepository
}

// NewSearchService searcher 为 nil 时只使用数据库搜索。
func NewSearchService(searcher MessageSearcher, repo repository.ConversationRepository) SearchService {
	return &searchService{searcher: searcher, repo: repo}
}

func (s *searchService) Search(ctx context.Context, userID uint, query string, limit int) ([]model.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.SearchHit{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	if s.searcher != nil {
		hits, err := s.searcher.Search(ctx, userID, query, limit)
		if err == nil {
			return hits, nil
		}
		log.Warnw("elasticsearch search failed, falling back to database", "userId", userID, "error", err)
	}
	return s.repo.SearchMessages(ctx, userID, query, limit)
}
