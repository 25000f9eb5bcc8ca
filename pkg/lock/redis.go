package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const redisKeyPrefix = "fastdrop:lock:"

// 只有 value 与持有者 token 相同时才删除，避免误删在 TTL 过期后被他人拿到的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 Redis SET NX PX 实现分布式锁。
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker 创建一个使用给定 Redis 客户端的 Locker。
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lock, error) {
	key := redisKeyPrefix + name
	token := uuid.NewString()

	err := retry(ctx, wait, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("获取锁 %s 失败: %w", name, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLock{client: l.client, name: name, key: key, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	name   string
	key    string
	token  string
}

func (l *redisLock) Name() string { return l.name }

func (l *redisLock) Held(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("检查锁 %s 失败: %w", l.name, err)
	}
	return val == l.token, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("释放锁 %s 失败: %w", l.name, err)
	}
	return nil
}
