package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/locker"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/rayjennings3rd/paige-ai/internal/repository"
	"go.uber.org/zap"
)

// RetryPolicy 有界重试：指数退避 + 单次超时
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration // 初始退避
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration // 0 表示不限制
}

// Retryable 只有基础设施故障与版本冲突可以重试，领域错误直接返回
func Retryable(err error) bool {
	return errors.Is(err, repository.ErrStoreUnavailable) ||
		errors.Is(err, repository.ErrSinkUnavailable) ||
		errors.Is(err, locker.ErrLockUnavailable) ||
		errors.Is(err, models.ErrVersionConflict)
}

// Do 执行 fn，直到成功、遇到不可重试错误或次数耗尽
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.once(ctx, fn)
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.Warn("Operation failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s aborted: %w", op, errors.Join(err, ctx.Err()))
		case <-time.After(backoff):
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}

func (p RetryPolicy) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}
