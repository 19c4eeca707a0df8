// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ollama-chat-go/internal/middleware"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/log"
)

// ChatHandler 负责处理聊天交换：非流式、SSE 和 WebSocket 三种传输方式。
type ChatHandler struct {
	chatService service.ChatService
	upgrader    websocket.Upgrader
	limiter     *middleware.RateLimiter
}

// NewChatHandler 创建一个新的 ChatHandler。allowedOrigins 为空时允许所有来源的 WebSocket。
// limiter 非 nil 时，WebSocket 连接上的每次交换都消耗一个令牌。
func NewChatHandler(chatService service.ChatService, allowedOrigins []string, limiter *middleware.RateLimiter) *ChatHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &ChatHandler{
		chatService: chatService,
		limiter:     limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ChatRequest 定义了聊天接口的请求体结构。
type ChatRequest struct {
	Message        string `json:"message"`
	Tone           string `json:"tone"`
	ConversationID *uint  `json:"conversation_id"`
}

func (h *ChatHandler) exchangeRequest(c *gin.Context, req ChatRequest) service.ExchangeRequest {
	return service.ExchangeRequest{
		User:           middleware.CurrentUser(c),
		SessionID:      middleware.SessionID(c),
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Tone:           req.Tone,
	}
}

// Chat 等待完整回复后返回 {reply, conversation_id}。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.chatService.Exchange(c.Request.Context(), h.exchangeRequest(c, req))
	if err != nil {
		if errors.Is(err, service.ErrEmptyMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Errorw("chat exchange failed", "sessionId", middleware.SessionID(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stream 以 text/event-stream 逐片段返回回复。
func (h *ChatHandler) Stream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrEmptyMessage.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	err := h.chatService.Stream(c.Request.Context(), h.exchangeRequest(c, req), newSSESink(c.Writer))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("chat stream failed", "sessionId", middleware.SessionID(c), "error", err)
	}
}

// ClearHistory 清空当前会话的短期历史。
func (h *ChatHandler) ClearHistory(c *gin.Context) {
	if err := h.chatService.ClearHistory(c.Request.Context(), middleware.SessionID(c)); err != nil {
		log.Error("failed to clear session history", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// wsRequest 是客户端通过 WebSocket 发来的消息。type 为 "stop" 时中止当前回复。
type wsRequest struct {
	Type string `json:"type"`
	ChatRequest
}

type wsFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// wsSink 把交换输出写成 JSON 帧。读协程也会写（busy 提示），所以需要加锁。
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) write(f wsFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *wsSink) Data(fragment string) error { return s.write(wsFrame{Type: "data", Data: fragment}) }
func (s *wsSink) Done() error                { return s.write(wsFrame{Type: "done"}) }
func (s *wsSink) Error(message string) error { return s.write(wsFrame{Type: "error", Data: message}) }
func (s *wsSink) Stopped() error             { return s.write(wsFrame{Type: "stopped"}) }

// WebSocket 在一个连接上依次处理多次交换。回复进行中收到的新消息直接以 error 帧拒绝，不排队。
func (h *ChatHandler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := &wsSink{conn: conn}
	requests := make(chan ChatRequest)

	// busy 从读协程接收请求起，到主循环处理完该请求为止
	var busy atomic.Bool
	var mu sync.Mutex
	var stopCurrent context.CancelFunc

	// 读协程：连接断开时取消 ctx，进行中的回复随之停止
	go func() {
		defer cancel()
		defer close(requests)
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Type == "stop" {
				mu.Lock()
				if stopCurrent != nil {
					stopCurrent()
				}
				mu.Unlock()
				continue
			}
			if !busy.CompareAndSwap(false, true) {
				_ = sink.Error("exchange already in progress")
				continue
			}
			requests <- req.ChatRequest
		}
	}()

	user := middleware.CurrentUser(c)
	rateKey := middleware.RateKey(c)
	log.Infow("WebSocket 连接已建立", "sessionId", middleware.SessionID(c), "authenticated", user != nil)

	for req := range requests {
		if h.limiter != nil && !h.limiter.Allow(rateKey) {
			_ = sink.Error("too many requests")
			busy.Store(false)
			continue
		}

		ectx, ecancel := context.WithCancel(ctx)
		mu.Lock()
		stopCurrent = ecancel
		mu.Unlock()

		err := h.chatService.Stream(ectx, h.exchangeRequest(c, req), sink)
		stopped := ectx.Err() != nil && ctx.Err() == nil

		mu.Lock()
		stopCurrent = nil
		mu.Unlock()
		ecancel()

		switch {
		case errors.Is(err, service.ErrEmptyMessage):
			_ = sink.Error(err.Error())
		case stopped:
			_ = sink.Stopped()
		case err != nil && ctx.Err() == nil:
			log.Errorw("websocket exchange failed", "sessionId", middleware.SessionID(c), "error", err)
		}
		busy.Store(false)
	}
}
