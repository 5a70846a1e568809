package locker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLockTimeout 在 ctx 结束前未能取得锁
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLockUnavailable 锁服务连接失败，可重试
	ErrLockUnavailable = errors.New("lock service unavailable")
)

// Locker 按患者键串行化合并与定稿
type Locker interface {
	// Acquire 阻塞直到取得锁或 ctx 结束；release 可重复调用
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker 单进程内的按键互斥
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Acquire 取得 key 的锁
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.unref(key, kl)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
