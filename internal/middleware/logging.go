package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ollama-chat-go/pkg/log"
)

const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体，超过上限的部分不再缓存
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// 流式响应和 WebSocket 不缓存响应体，认证接口不记录请求体（包含密码）
func isStreaming(c *gin.Context) bool {
	return strings.HasSuffix(c.Request.URL.Path, "/stream") ||
		strings.EqualFold(c.GetHeader("Upgrade"), "websocket") ||
		strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "...(truncated)"
	}
	return string(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。4xx 记为 warn，5xx 记为 error。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		streaming := isStreaming(c)
		sensitive := strings.Contains(c.Request.URL.Path, "/auth/")

		var requestBody []byte
		if c.Request.Body != nil && !streaming && !sensitive {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回去，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		var blw *bodyLogWriter
		if !streaming {
			blw = &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		statusCode := c.Writer.Status()
		fields := []interface{}{
			"statusCode", statusCode,
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestId", c.GetString("request_id"),
		}
		if len(requestBody) > 0 {
			fields = append(fields, "requestBody", truncate(requestBody))
		}
		if blw != nil {
			fields = append(fields, "responseBody", blw.body.String())
		}

		switch {
		case statusCode >= 500:
			log.Errorw("HTTP Request Log", fields...)
		case statusCode >= 400:
			log.Warnw("HTTP Request Log", fields...)
		default:
			log.Infow("HTTP Request Log", fields...)
		}
	}
}
