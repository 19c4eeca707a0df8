package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/pkg/hash"
	"ollama-chat-go/pkg/log"
	"ollama-chat-go/pkg/token"
)

// ErrTokenRevoked 表示 token 已在登出时加入黑名单。
var ErrTokenRevoked = errors.New("token revoked")

// TokenPair 是登录后返回给客户端的一对 token。
type TokenPair struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	// Signup 创建用户并直接登录。
	Signup(ctx context.Context, username, password string) (*model.User, *TokenPair, error)
	Login(ctx context.Context, username, password string) (*model.User, *TokenPair, error)
	// Logout 吊销 access token；refreshToken 非空且属于同一用户时一并吊销。
	Logout(ctx context.Context, tokenString, refreshTokenString string) error
	RefreshToken(ctx context.Context, refreshTokenString string) (*TokenPair, error)
	// Authenticate 校验 access token（含黑名单）并加载对应用户。
	Authenticate(ctx context.Context, tokenString string) (*model.User, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	blacklist  repository.TokenBlacklist
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, blacklist repository.TokenBlacklist, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		blacklist:  blacklist,
		jwtManager: jwtManager,
	}
}

func (s *userService) Signup(ctx context.Context, username, password string) (*model.User, *TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, nil, ErrMissingCredentials
	}

	// 1. 检查用户名是否已存在
	_, err := s.userRepo.FindByUsername(ctx, username)
	if err == nil {
		return nil, nil, ErrUserExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	// 2. 对密码进行哈希处理
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, nil, err
	}

	// 3. 存入数据库以生成 ID
	user := &model.User{Username: username, Password: hashedPassword}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}
	log.Infow("user signed up", "userId", user.ID, "username", user.Username)

	pair, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

func (s *userService) Login(ctx context.Context, username, password string) (*model.User, *TokenPair, error) {
	user, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if !hash.CheckPasswordHash(password, user.Password) {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Logout 将 token 加入 Redis 黑名单，剩余有效期作为 key 的过期时间。
// 无效或过期的 refresh token 无需吊销；属于其他用户的 refresh token 不做处理。
func (s *userService) Logout(ctx context.Context, tokenString, refreshTokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	if err := s.revoke(ctx, tokenString, claims.ExpiresAt.Time); err != nil {
		return err
	}
	if refreshTokenString == "" {
		return nil
	}
	refreshClaims, err := s.jwtManager.VerifyRefreshToken(refreshTokenString)
	if err != nil || refreshClaims.UserID != claims.UserID {
		return nil
	}
	return s.revoke(ctx, refreshTokenString, refreshClaims.ExpiresAt.Time)
}

func (s *userService) revoke(ctx context.Context, tokenString string, expiresAt time.Time) error {
	expiration := time.Until(expiresAt)
	if expiration <= 0 {
		return nil
	}
	return s.blacklist.Revoke(ctx, tokenString, expiration)
}

// RefreshToken 验证 refresh token（含黑名单）并签发新的一对 token。
func (s *userService) RefreshToken(ctx context.Context, refreshTokenString string) (*TokenPair, error) {
	claims, err := s.jwtManager.VerifyRefreshToken(refreshTokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}
	revoked, err := s.blacklist.IsRevoked(ctx, refreshTokenString)
	if err != nil {
		return nil, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", err)
	}
	return s.issue(user)
}

func (s *userService) Authenticate(ctx context.Context, tokenString string) (*model.User, error) {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	revoked, err := s.blacklist.IsRevoked(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return s.userRepo.FindByID(ctx, claims.UserID)
}

func (s *userService) issue(user *model.User) (*TokenPair, error) {
	access, err := s.jwtManager.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	refresh, err := s.jwtManager.GenerateRefreshToken(user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
