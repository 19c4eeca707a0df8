package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TranscriptStore 是导出文件的对象存储。
type TranscriptStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// ExportResult 是导出后的下载地址。
type ExportResult struct {
	Object    string    `json:"object"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExportService 把对话导出为 JSON 并上传到对象存储。
type ExportService interface {
	Export(ctx context.Context, userID, id uint) (*ExportResult, error)
}

type exportService struct {
	conversations ConversationService
	store         TranscriptStore
	expiry        time.Duration
}

// NewExportService store 为 nil 时导出返回 ErrExportDisabled。
func NewExportService(conversations ConversationService, store TranscriptStore, expiry time.Duration) ExportService {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &exportService{conversations: conversations, store: store, expiry: expiry}
}

type transcript struct {
	*ConversationDetail
	ExportedAt time.Time `json:"exported_at"`
}

func (s *exportService) Export(ctx context.Context, userID, id uint) (*ExportResult, error) {
	if s.store == nil {
		return nil, ErrExportDisabled
	}
	detail, err := s.conversations.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(transcript{ConversationDetail: detail, ExportedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return nil, err
	}
	object := fmt.Sprintf("exports/%d/%d-%s.json", userID, id, uuid.NewString())
	if err := s.store.Upload(ctx, object, data, "application/json"); err != nil {
		return nil, err
	}
	url, err := s.store.PresignedURL(ctx, object, s.expiry)
	if err != nil {
		return nil, err
	}
	return &ExportResult{Object: object, URL: url, ExpiresAt: time.Now().Add(s.expiry)}, nil
}
