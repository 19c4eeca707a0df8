package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenBlacklist 记录已登出的 access token，过期时间与 token 本身一致。
type TokenBlacklist interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type redisTokenBlacklist struct {
	redisClient *redis.Client
}

func NewTokenBlacklist(redisClient *redis.Client) TokenBlacklist {
	return &redisTokenBlacklist{redisClient: redisClient}
}

func (b *redisTokenBlacklist) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return b.redisClient.Set(ctx, "blacklist:"+token, "1", ttl).Err()
}

func (b *redisTokenBlacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := b.redisClient.Exists(ctx, "blacklist:"+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
