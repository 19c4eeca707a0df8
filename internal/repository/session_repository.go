package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"ollama-chat-go/internal/model"
)

// SessionHistoryStore 保存未绑定对话时的短期历史，以会话 ID 为键。
// Put 会把历史截断到最近 maxEntries 条。
type SessionHistoryStore interface {
	Get(ctx context.Context, sessionID string) ([]model.HistoryEntry, error)
	Put(ctx context.Context, sessionID string, entries []model.HistoryEntry) error
	Clear(ctx context.Context, sessionID string) error
}

func sessionHistoryKey(sessionID string) string {
	return fmt.Sprintf("session:%s:history", sessionID)
}

func truncateEntries(entries []model.HistoryEntry, maxEntries int) []model.HistoryEntry {
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	return entries
}

type redisSessionStore struct {
	redisClient *redis.Client
	maxEntries  int
	ttl         time.Duration
}

// NewRedisSessionStore 创建基于 Redis 的会话历史存储，每次写入都会刷新 TTL。
func NewRedisSessionStore(redisClient *redis.Client, maxEntries int, ttl time.Duration) SessionHistoryStore {
	return &redisSessionStore{redisClient: redisClient, maxEntries: maxEntries, ttl: ttl}
}

func (s *redisSessionStore) Get(ctx context.Context, sessionID string) ([]model.HistoryEntry, error) {
	jsonData, err := s.redisClient.Get(ctx, sessionHistoryKey(sessionID)).Result()
	if err == redis.Nil {
		return []model.HistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	var entries []model.HistoryEntry
	if err := json.Unmarshal([]byte(jsonData), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	return entries, nil
}

func (s *redisSessionStore) Put(ctx context.Context, sessionID string, entries []model.HistoryEntry) error {
	jsonData, err := json.Marshal(truncateEntries(entries, s.maxEntries))
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	if err := s.redisClient.Set(ctx, sessionHistoryKey(sessionID), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session history: %w", err)
	}
	return nil
}

func (s *redisSessionStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.redisClient.Del(ctx, sessionHistoryKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session history: %w", err)
	}
	return nil
}

// memorySessionStore 用于测试和没有 Redis 的单机部署，不做过期。
type memorySessionStore struct {
	mu         sync.Mutex
	maxEntries int
	data       map[string][]model.HistoryEntry
}

// NewMemorySessionStore 创建进程内的会话历史存储。
func NewMemorySessionStore(maxEntries int) SessionHistoryStore {
	return &memorySessionStore{maxEntries: maxEntries, data: make(map[string][]model.HistoryEntry)}
}

func (s *memorySessionStore) Get(_ context.Context, sessionID string) ([]model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.data[sessionID]
	out := make([]model.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *memorySessionStore) Put(_ context.Context, sessionID string, entries []model.HistoryEntry) error {
	entries = truncateEntries(entries, s.maxEntries)
	stored := make([]model.HistoryEntry, len(entries))
	copy(stored, entries)

	s.mu.Lock()
	s.data[sessionID] = stored
	s.mu.Unlock()
	return nil
}

func (s *memorySessionStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.data, sessionID)
	s.mu.Unlock()
	return nil
}
