// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/log"
)

const (
	contextUserKey  = "user"
	contextTokenKey = "token"
)

// bearerToken 从 Authorization 头中提取 token；WebSocket 握手无法自定义请求头，允许使用 ?token= 参数。
func bearerToken(c *gin.Context) string {
	const bearerPrefix = "Bearer "
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("token")
	}
	return ""
}

func authenticate(c *gin.Context, userService service.UserService) bool {
	tokenString := bearerToken(c)
	if tokenString == "" {
		return false
	}
	user, err := userService.Authenticate(c.Request.Context(), tokenString)
	if err != nil {
		log.Debugw("authentication failed", "path", c.Request.URL.Path, "error", err)
		return false
	}
	c.Set(contextUserKey, user)
	c.Set(contextTokenKey, tokenString)
	return true
}

// AuthMiddleware 要求请求携带有效的 access token，并把 User 存入 Gin 上下文。
// 所有失败原因都返回同一个 401，不区分缺失、过期或已登出。
func AuthMiddleware(userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, userService) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware 有 token 时解析用户，没有或无效时按匿名继续。
func OptionalAuthMiddleware(userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authenticate(c, userService)
		c.Next()
	}
}

// CurrentUser 返回已认证的用户，匿名请求返回 nil。
func CurrentUser(c *gin.Context) *model.User {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*model.User)
	return user
}

// CurrentToken 返回本次请求使用的 access token。
func CurrentToken(c *gin.Context) string {
	return c.GetString(contextTokenKey)
}
