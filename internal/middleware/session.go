package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	contextSessionKey = "sessionID"
	sessionHeader     = "X-Session-ID"
)

// Session 为每个浏览器分配一个会话 ID（cookie），未绑定对话的短期历史以它为键。
// 非浏览器客户端可以用 X-Session-ID 头指定。
func Session(cookieName string, ttl time.Duration, secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(sessionHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = ""
		}
		if id == "" {
			if v, err := c.Cookie(cookieName); err == nil {
				if _, err := uuid.Parse(v); err == nil {
					id = v
				}
			}
		}
		if id == "" {
			id = uuid.NewString()
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cookieName, id, int(ttl.Seconds()), "/", "", secure, true)
		c.Header(sessionHeader, id)
		c.Set(contextSessionKey, id)
		c.Next()
	}
}

// SessionID 返回当前请求的会话 ID。
func SessionID(c *gin.Context) string {
	return c.GetString(contextSessionKey)
}
