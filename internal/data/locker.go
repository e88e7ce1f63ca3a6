package data

import (
	"context"
	"time"

	"affiliate/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript 只删除自己持有的锁，避免误删过期后被他人获得的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisLocker 基于 SET NX PX 的分布式锁
type redisLocker struct {
	rds    *redis.Client
	token  func() string
	logger *log.Helper
}

// NewRedisLocker 创建分布式锁
func NewRedisLocker(rds *redis.Client, logger log.Logger) biz.Locker {
	return &redisLocker{rds: rds, token: uuid.NewString, logger: log.NewHelper(logger)}
}

func (l *redisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (biz.Unlock, bool, error) {
	token := l.token()
	ok, err := l.rds.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.logger.WithContext(ctx).Errorf("Failed to acquire lock %s, error: %v", key, err)
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		released, err := releaseScript.Run(ctx, l.rds, []string{key}, token).Int()
		if err != nil {
			return err
		}
		if released == 0 {
			l.logger.WithContext(ctx).Warnf("Lock %s expired before release", key)
		}
		return nil
	}, true, nil
}
