package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/pkg/llm"
	"ollama-chat-go/pkg/log"
	"ollama-chat-go/pkg/tasks"
)

// FrameSink 接收流式交换的输出帧。实现方负责具体的传输格式（SSE、WebSocket）。
type FrameSink interface {
	Data(fragment string) error
	Done() error
	Error(message string) error
}

// ExchangePublisher 在一次交换持久化完成后发布事件，供搜索索引消费。
type ExchangePublisher interface {
	PublishExchange(ctx context.Context, task tasks.ExchangeIndexTask) error
}

// ExchangeRequest 描述一次用户消息到模型回复的交换。
// User 为 nil 表示匿名请求，此时只使用会话历史。
type ExchangeRequest struct {
	User           *model.User
	SessionID      string
	ConversationID *uint
	Message        string
	Tone           string
}

// ExchangeResult 是非流式交换的结果。未绑定对话时 ConversationID 为 nil。
type ExchangeResult struct {
	Reply          string `json:"reply"`
	ConversationID *uint  `json:"conversation_id"`
}

// ChatOptions 控制上下文窗口和流式缓冲。
type ChatOptions struct {
	MaxTurns       int
	DefaultTone    string
	TitleMaxLen    int
	FragmentBuffer int
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Exchange 等待模型生成完整回复后一次性返回。
	Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error)
	// Stream 把每个片段按生成顺序写入 sink，成功时以 Done 结束，失败时以 Error 结束。
	// 客户端断开（ctx 取消）时静默返回，不再持久化任何内容。
	Stream(ctx context.Context, req ExchangeRequest, sink FrameSink) error
	// ClearHistory 清空当前会话的短期历史。
	ClearHistory(ctx context.Context, sessionID string) error
}

type chatService struct {
	llmClient        llm.Client
	conversationRepo repository.ConversationRepository
	sessionStore     repository.SessionHistoryStore
	publisher        ExchangePublisher
	opts             ChatOptions
}

// NewChatService 创建一个新的 ChatService 实例。publisher 可以为 nil。
func NewChatService(llmClient llm.Client, conversationRepo repository.ConversationRepository,
	sessionStore repository.SessionHistoryStore, publisher ExchangePublisher, opts ChatOptions) ChatService {
	if opts.DefaultTone == "" {
		opts.DefaultTone = "mean"
	}
	if opts.FragmentBuffer <= 0 {
		opts.FragmentBuffer = 32
	}
	return &chatService{
		llmClient:        llmClient,
		conversationRepo: conversationRepo,
		sessionStore:     sessionStore,
		publisher:        publisher,
		opts:             opts,
	}
}

type lookupKind int

const (
	lookupNoneRequested lookupKind = iota
	lookupFound
	lookupNotFound
)

// conversationLookup 是解析请求中对话 ID 的结果。
type conversationLookup struct {
	kind lookupKind
	conv *model.Conversation
}

func (l conversationLookup) found() bool { return l.kind == lookupFound }

func (l conversationLookup) conversationID() *uint {
	if !l.found() {
		return nil
	}
	id := l.conv.ID
	return &id
}

// resolve 查找请求指定的对话。不存在或不属于当前用户时返回 NotFound，而不是错误。
func (s *chatService) resolve(ctx context.Context, req ExchangeRequest) (conversationLookup, error) {
	if req.ConversationID == nil {
		return conversationLookup{kind: lookupNoneRequested}, nil
	}
	if req.User == nil {
		log.Warnw("conversation requested without user, falling back to session history", "conversationId", *req.ConversationID)
		return conversationLookup{kind: lookupNotFound}, nil
	}
	conv, err := s.conversationRepo.FindByIDAndUser(ctx, *req.ConversationID, req.User.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnw("conversation not found, falling back to session history",
				"conversationId", *req.ConversationID, "userId", req.User.ID)
			return conversationLookup{kind: lookupNotFound}, nil
		}
		return conversationLookup{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conversationLookup{kind: lookupFound, conv: conv}, nil
}

// loadContext 对话存在时用它的全部消息作为上下文，否则用截断后的会话历史。
func (s *chatService) loadContext(ctx context.Context, req ExchangeRequest, lookup conversationLookup) ([]model.HistoryEntry, error) {
	if lookup.found() {
		msgs, err := s.conversationRepo.ListMessages(ctx, lookup.conv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		return model.ToHistory(msgs), nil
	}
	entries, err := s.sessionStore.Get(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return TruncateHistory(entries, s.opts.MaxTurns), nil
}

func (s *chatService) prepare(ctx context.Context, req *ExchangeRequest) (conversationLookup, string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return conversationLookup{}, "", ErrEmptyMessage
	}
	if req.Tone == "" {
		req.Tone = s.opts.DefaultTone
	}
	lookup, err := s.resolve(ctx, *req)
	if err != nil {
		return conversationLookup{}, "", err
	}
	hist, err := s.loadContext(ctx, *req, lookup)
	if err != nil {
		return conversationLookup{}, "", err
	}
	return lookup, ComposePrompt(hist, req.Message), nil
}

func (s *chatService) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	lookup, prompt, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	reply, err := s.relay(ctx, prompt, req.Tone, nil)
	if err != nil {
		return nil, err
	}

	if lookup.found() {
		userMsg, err := s.persistUserTurn(ctx, lookup.conv, req.Message)
		if err != nil {
			return nil, err
		}
		assistantMsg, err := s.persistAssistantTurn(ctx, lookup.conv, reply)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, lookup.conv, userMsg, assistantMsg)
	} else if err := s.appendSessionHistory(ctx, req.SessionID, req.Message, reply); err != nil {
		return nil, err
	}

	return &ExchangeResult{Reply: reply, ConversationID: lookup.conversationID()}, nil
}

func (s *chatService) Stream(ctx context.Context, req ExchangeRequest, sink FrameSink) error {
	lookup, prompt, err := s.prepare(ctx, &req)
	if errors.Is(err, ErrEmptyMessage) {
		return err
	}
	if err != nil {
		_ = sink.Error(err.Error())
		return err
	}

	// 用户消息在转发之前落库，之后失败也会保留
	var userMsg *model.Message
	if lookup.found() {
		userMsg, err = s.persistUserTurn(ctx, lookup.conv, req.Message)
		if err != nil {
			_ = sink.Error(err.Error())
			return err
		}
	}

	reply, err := s.relay(ctx, prompt, req.Tone, sink.Data)
	if err != nil {
		if ctx.Err() != nil {
			log.Infow("client disconnected during stream", "sessionId", req.SessionID, "conversationId", lookup.conversationID())
			return ctx.Err()
		}
		_ = sink.Error(err.Error())
		return err
	}

	if lookup.found() {
		assistantMsg, err := s.persistAssistantTurn(ctx, lookup.conv, reply)
		if err != nil {
			_ = sink.Error(err.Error())
			return err
		}
		// 先结束流再发布，索引耗时不拖慢 done 帧
		err = sink.Done()
		s.publish(ctx, lookup.conv, userMsg, assistantMsg)
		return err
	}
	if err := s.appendSessionHistory(ctx, req.SessionID, req.Message, reply); err != nil {
		_ = sink.Error(err.Error())
		return err
	}
	return sink.Done()
}

func (s *chatService) ClearHistory(ctx context.Context, sessionID string) error {
	return s.sessionStore.Clear(ctx, sessionID)
}

// relay 启动一个生产者（模型流）和一个消费者（转发 + 累积），通过有界 channel 连接。
// 任一方出错都会取消另一方。返回去掉首尾空白的完整回复。
func (s *chatService) relay(ctx context.Context, prompt, tone string, emit func(string) error) (string, error) {
	frags := make(chan string, s.opts.FragmentBuffer)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frags)
		return s.llmClient.Generate(gctx, prompt, tone, frags)
	})

	var reply strings.Builder
	g.Go(func() error {
		for f := range frags {
			reply.WriteString(f)
			if emit == nil {
				continue
			}
			if err := emit(f); err != nil {
				return fmt.Errorf("failed to emit fragment: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.String()), nil
}

func (s *chatService) persistUserTurn(ctx context.Context, conv *model.Conversation, content string) (*model.Message, error) {
	msg := &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: content}
	if err := s.conversationRepo.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	title := TruncateTitle(content, s.opts.TitleMaxLen)
	if err := s.conversationRepo.UpdateTitle(ctx, conv.ID, conv.UserID, title); err != nil {
		return nil, fmt.Errorf("failed to update conversation title: %w", err)
	}
	conv.Title = title
	return msg, nil
}

func (s *chatService) persistAssistantTurn(ctx context.Context, conv *model.Conversation, reply string) (*model.Message, error) {
	msg := &model.Message{ConversationID: conv.ID, Role: model.RoleAssistant, Content: reply}
	if err := s.conversationRepo.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}
	return msg, nil
}

func (s *chatService) appendSessionHistory(ctx context.Context, sessionID, message, reply string) error {
	entries, err := s.sessionStore.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session history: %w", err)
	}
	entries = append(entries,
		model.HistoryEntry{Role: model.RoleUser, Content: message},
		model.HistoryEntry{Role: model.RoleAssistant, Content: reply},
	)
	if err := s.sessionStore.Put(ctx, sessionID, TruncateHistory(entries, s.opts.MaxTurns)); err != nil {
		return fmt.Errorf("failed to save session history: %w", err)
	}
	return nil
}

// publish 发布失败只记录日志，不影响本次交换。
func (s *chatService) publish(ctx context.Context, conv *model.Conversation, msgs ...*model.Message) {
	if s.publisher == nil {
		return
	}
	task := tasks.ExchangeIndexTask{ConversationID: conv.ID, UserID: conv.UserID}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		task.Messages = append(task.Messages, tasks.ExchangeMessage{
			MessageID: m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UnixMilli(),
		})
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.PublishExchange(pctx, task); err != nil {
		log.Errorw("failed to publish exchange event", "conversationId", conv.ID, "error", err)
	}
}
