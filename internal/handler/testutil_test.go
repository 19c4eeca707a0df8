package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeLLM 依次输出预设片段；block 为 true 时输出完后等待 ctx 取消。
type fakeLLM struct {
	mu        sync.Mutex
	fragments []string
	err       error
	block     bool
	prompts   []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, tone string, out chan<- string) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	frags, err, block := f.fragments, f.err, f.block
	f.mu.Unlock()

	for _, fr := range frags {
		select {
		case out <- fr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type testEnv struct {
	router *gin.Engine
	llm    *fakeLLM
	db     *gorm.DB
	mr     *miniredis.Miniredis
}

// newTestEnv 构建完整路由；opts 可以在创建前修改配置。
func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
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

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{}
	cfg.Session.CookieName = "chat_session"
	cfg.Session.TTL = time.Hour
	cfg.Chat.MaxTurns = 6
	cfg.Chat.TitleMaxLen = 200
	for _, opt := range opts {
		opt(&cfg)
	}

	llmClient := &fakeLLM{fragments: []string{"Hel", "lo"}}
	convRepo := repository.NewConversationRepository(db)
	jwtManager := token.NewJWTManager("test-secret", 1, 1)
	userSvc := service.NewUserService(repository.NewUserRepository(db), repository.NewTokenBlacklist(rdb), jwtManager)
	convSvc := service.NewConversationService(convRepo, nil, cfg.Chat.TitleMaxLen)
	chatSvc := service.NewChatService(llmClient, convRepo, repository.NewRedisSessionStore(rdb, 2*cfg.Chat.MaxTurns, time.Hour), nil,
		service.ChatOptions{MaxTurns: cfg.Chat.MaxTurns, TitleMaxLen: cfg.Chat.TitleMaxLen})

	router := NewRouter(cfg, Services{
		User:         userSvc,
		Chat:         chatSvc,
		Conversation: convSvc,
		Search:       service.NewSearchService(nil, convRepo),
		Export:       service.NewExportService(convSvc, nil, time.Hour),
	}, NewHealthHandler(db, rdb))

	return &testEnv{router: router, llm: llmClient, db: db, mr: mr}
}

// do 发送请求；header 为 nil 时不带任何额外头。
func (e *testEnv) do(method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// signup 注册用户并返回带 Bearer token 的请求头。
func (e *testEnv) signup(t *testing.T, username string) http.Header {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/auth/signup", gin.H{"username": username, "password": "pw"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("signup %s: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, rec, &resp)
	return bearer(resp.Token)
}

func bearer(tok string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	return h
}

// newSessionHeader 返回携带新会话 ID 的请求头。
func newSessionHeader() http.Header {
	h := http.Header{}
	h.Set("X-Session-ID", uuid.NewString())
	return h
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}
