package handler

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/internal/middleware"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/log"
)

// Services 汇总路由需要的全部业务服务。
type Services struct {
	User         service.UserService
	Chat         service.ChatService
	Conversation service.ConversationService
	Search       service.SearchService
	Export       service.ExportService
}

// NewRouter 创建 Gin 引擎并注册 /api/v1 下的全部路由。
func NewRouter(cfg config.Config, svc Services, health *HealthHandler) *gin.Engine {
	r := gin.New()
	// 限流按 ClientIP 计数，只信任配置的代理转发的地址
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Warnw("invalid trusted proxies, ignoring forwarded headers", "error", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Session-ID", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Session-ID", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Server.AllowedOrigins
	} else {
		// 带 cookie 的跨域请求不能使用 "*"，这里回显请求来源
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	}

	r.Use(middleware.RequestID(), middleware.RequestLogger(), gin.Recovery(), cors.New(corsCfg))

	userHandler := NewUserHandler(svc.User)
	authHandler := NewAuthHandler(svc.User)
	var limiter *middleware.RateLimiter
	if cfg.Chat.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateBurst)
	}
	chatHandler := NewChatHandler(svc.Chat, cfg.Server.AllowedOrigins, limiter)
	convHandler := NewConversationHandler(svc.Conversation, svc.Search, svc.Export)

	requireAuth := middleware.AuthMiddleware(svc.User)
	optionalAuth := middleware.OptionalAuthMiddleware(svc.User)
	session := middleware.Session(cfg.Session.CookieName, cfg.Session.TTL, cfg.Session.Secure)

	r.GET("/health", health.Health)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.GET("/health", health.Health)

		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/signup", userHandler.Signup)
			auth.POST("/login", userHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.POST("/logout", requireAuth, authHandler.Logout)
			auth.GET("/me", requireAuth, userHandler.Me)
		}

		// Conversation 路由组，需要认证
		chats := apiV1.Group("/chats")
		chats.Use(requireAuth)
		{
			chats.GET("", convHandler.List)
			chats.POST("", convHandler.Create)
			chats.POST("/new", convHandler.Create)
			chats.GET("/search", convHandler.Search)
			chats.GET("/:id", convHandler.Detail)
			chats.DELETE("/:id", convHandler.Delete)
			chats.POST("/:id/rename", convHandler.Rename)
			chats.POST("/:id/delete", convHandler.Delete)
			chats.GET("/:id/export", convHandler.Export)
		}

		// Chat 路由组：匿名用户使用会话历史，登录用户可指定对话
		chat := apiV1.Group("/chat")
		chat.Use(session)
		{
			exchange := chat.Group("")
			exchange.Use(optionalAuth)
			if limiter != nil {
				exchange.Use(middleware.RateLimit(limiter))
			}
			exchange.POST("", chatHandler.Chat)
			exchange.POST("/stream", chatHandler.Stream)
			exchange.GET("/ws", chatHandler.WebSocket)

			chat.POST("/clear", chatHandler.ClearHistory)
		}
	}

	return r
}
