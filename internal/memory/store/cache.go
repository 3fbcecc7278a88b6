package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache 是通用响应缓存的契约：外部调用的昂贵结果按 key 复用。
// 过期策略由写入方的 TTL 决定，回收交给存储介质。
type Cache interface {
	GetCache(ctx context.Context, key string) ([]byte, error)
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteCache(ctx context.Context, key string) error
}

// RedisCache 基于 Redis 实现 Cache。键统一带 "cache:" 前缀，
// 与将来可能共用同一实例的其它数据隔离。
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 创建一个 RedisCache。
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func cacheKey(key string) string {
	return "cache:" + key
}

// GetCache 读取缓存条目，不存在或已过期返回 ErrNotFound。
func (c *RedisCache) GetCache(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取缓存失败: %w", err)
	}
	return val, nil
}

// SetCache 写入缓存条目并设置 TTL。
func (c *RedisCache) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, cacheKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// DeleteCache 删除缓存条目。条目不存在不报错。
func (c *RedisCache) DeleteCache(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}
