// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ollama-chat-go/internal/middleware"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/log"
)

// UserHandler 负责处理注册、登录和个人信息相关的 API 请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// CredentialsRequest 定义了注册和登录 API 的请求体结构。
// 字段缺失交给 service 判断，以便返回统一的错误文案。
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Signup 处理用户注册请求，成功后直接签发 token。
func (h *UserHandler) Signup(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Signup: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrMissingCredentials.Error()})
		return
	}

	user, pair, err := h.userService.Signup(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingCredentials), errors.Is(err, service.ErrUserExists):
			log.Warnf("Signup: registration rejected for '%s', error: %v", req.Username, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Errorf("Signup: registration failed for '%s', error: %v", req.Username, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"username":     user.Username,
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrMissingCredentials.Error()})
		return
	}

	user, pair, err := h.userService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			log.Warnf("Login: failed for user '%s'", req.Username)
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Errorf("Login: unexpected error for user '%s', error: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	log.Infof("User '%s' logged in successfully", user.Username)
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"username":     user.Username,
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// Me 返回当前登录用户的信息。
func (h *UserHandler) Me(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}
