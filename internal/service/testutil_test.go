package service

import (
	"context"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/pkg/tasks"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.User{}, &model.Conversation{}, &model.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// fakeLLM 依次输出预设片段，然后返回 err；block 为 true 时输出完片段后一直等到 ctx 取消。
type fakeLLM struct {
	mu        sync.Mutex
	fragments []string
	err       error
	block     bool
	prompts   []string
	tones     []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, tone string, out chan<- string) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.tones = append(f.tones, tone)
	frags := f.fragments
	f.mu.Unlock()

	for _, fr := range frags {
		select {
		case out <- fr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// eventLog 记录持久化调用与输出帧的先后顺序。
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type recordingRepo struct {
	repository.ConversationRepository
	log *eventLog
}

func (r *recordingRepo) CreateMessage(ctx context.Context, msg *model.Message) error {
	r.log.add("save:" + string(msg.Role))
	return r.ConversationRepository.CreateMessage(ctx, msg)
}

func (r *recordingRepo) UpdateTitle(ctx context.Context, id, userID uint, title string) error {
	r.log.add("title")
	return r.ConversationRepository.UpdateTitle(ctx, id, userID, title)
}

type recordingSink struct {
	log    *eventLog
	onData func(string)
}

func (s *recordingSink) Data(f string) error {
	s.log.add("data:" + f)
	if s.onData != nil {
		s.onData(f)
	}
	return nil
}

func (s *recordingSink) Done() error {
	s.log.add("done")
	return nil
}

func (s *recordingSink) Error(msg string) error {
	s.log.add("error")
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []tasks.ExchangeIndexTask
	log   *eventLog
}

func (p *fakePublisher) PublishExchange(_ context.Context, task tasks.ExchangeIndexTask) error {
	if p.log != nil {
		p.log.add("publish")
	}
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	return nil
}
