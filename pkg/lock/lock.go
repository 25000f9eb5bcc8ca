// Package lock 提供带 TTL 的命名互斥锁，用于跨请求（以及跨实例）串行化同一个上传会话上的操作。
//
// 两种实现在启动时二选一：RedisLocker 用于多实例部署，LocalLocker 用于单进程部署和测试。
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockBusy 表示在等待时间内没有拿到锁。
var ErrLockBusy = errors.New("lock: busy")

const retryInterval = 50 * time.Millisecond

// Lock 是一次成功的加锁。
type Lock interface {
	Name() string
	// Held 检查锁是否仍归当前持有者所有（未过期且未被他人接管）。
	Held(ctx context.Context) (bool, error)
	// Release 释放锁。锁已过期或已被他人接管时不做任何事。
	Release(ctx context.Context) error
}

// Locker 负责获取命名锁。
type Locker interface {
	// Acquire 在 wait 时间内反复尝试获取锁，锁在 ttl 后自动过期。
	// wait 为 0 表示只尝试一次。超时返回 ErrLockBusy。
	Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lock, error)
}

// retry 反复调用 try 直到成功、出错、超过 wait 或 ctx 结束。
func retry(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockBusy
		}
		sleep := retryInterval
		if remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
