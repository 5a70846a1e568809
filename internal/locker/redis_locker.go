package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix  = "glucose:lock:"
	defaultRetryDelay = 50 * time.Millisecond
)

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的跨节点锁
// TTL 兜底：持有者崩溃后锁自动过期
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	keyPrefix  string
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewRedisLocker 创建分布式锁
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		keyPrefix:  defaultKeyPrefix,
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// Acquire 轮询 SETNX 直到成功或 ctx 结束
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := l.keyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("%w: failed to acquire lock %s: %w", ErrLockUnavailable, lockKey, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-time.After(l.retryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 释放不受调用方 ctx 取消影响
			releaseCtx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
				l.logger.Warn("Failed to release lock",
					zap.String("lock_key", lockKey),
					zap.Error(err),
				)
			}
		})
	}, nil
}
