package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ollama-chat-go/internal/middleware"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/log"
)

// AuthHandler 负责 token 生命周期相关的 API 请求：刷新和登出。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 处理刷新 token 的请求。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("RefreshToken: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken required"})
		return
	}

	pair, err := h.userService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warnf("RefreshToken: Failed to refresh token, error: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// LogoutRequest 是登出的可选请求体，带上 refreshToken 时一并吊销。
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout 把当前 access token（以及可选的 refresh token）加入黑名单。
func (h *AuthHandler) Logout(c *gin.Context) {
	var req LogoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if err := h.userService.Logout(c.Request.Context(), middleware.CurrentToken(c), req.RefreshToken); err != nil {
		log.Error("Logout: failed to revoke token", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
