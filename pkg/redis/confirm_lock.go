package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch 仅当锁值匹配 owner 时才删除，避免误删后来者的锁。
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireConfirmLock 抢占支付单号的确认锁，同一单号的并发确认只放行一个。
// 数据库行锁仍是最终保证，这里只挡掉重复提交。
func AcquireConfirmLock(ctx context.Context, rdb *rd.Client, handle, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, ConfirmLockKey(handle), owner, ttl).Result()
}

// ReleaseConfirmLock 安全释放确认锁。
func ReleaseConfirmLock(ctx context.Context, rdb *rd.Client, handle, owner string) error {
	_, err := rdb.Eval(ctx, luaReleaseIfMatch, []string{ConfirmLockKey(handle)}, owner).Int()
	return err
}
