package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker 是进程内的 Locker 实现，只在单实例部署时提供互斥。
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker 创建一个进程内 Locker。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), clock: time.Now}
}

func (l *LocalLocker) tryAcquire(name, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[name]; ok && now.Before(e.expires) {
		return false
	}
	l.held[name] = localEntry{token: token, expires: now.Add(ttl)}
	return true
}

func (l *LocalLocker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lock, error) {
	token := uuid.NewString()
	err := retry(ctx, wait, func() (bool, error) {
		return l.tryAcquire(name, token, ttl), nil
	})
	if err != nil {
		return nil, err
	}
	return &localLock{owner: l, name: name, token: token}, nil
}

type localLock struct {
	owner *LocalLocker
	name  string
	token string
}

func (l *localLock) Name() string { return l.name }

func (l *localLock) Held(ctx context.Context) (bool, error) {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	e, ok := l.owner.held[l.name]
	return ok && e.token == l.token && l.owner.clock().Before(e.expires), nil
}

func (l *localLock) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	if e, ok := l.owner.held[l.name]; ok && e.token == l.token {
		delete(l.owner.held, l.name)
	}
	return nil
}
