package filter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript stores the last counted unix-ms per key. A view is rejected
// while now - last < window.
var allowScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
if last and (tonumber(ARGV[1]) - tonumber(last)) < tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisThrottle shares throttle state across processes.
type RedisThrottle struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisThrottle(rdb *redis.Client, prefix string, timeout time.Duration) *RedisThrottle {
	if prefix == "" {
		prefix = "pageviews:throttle:"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisThrottle{rdb: rdb, prefix: prefix, timeout: timeout}
}

func (r *RedisThrottle) Allow(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ttl := (window + throttleSlack).Milliseconds()
	res, err := allowScript.Run(ctx, r.rdb, []string{r.redisKey(key)},
		now.UnixMilli(), window.Milliseconds(), ttl).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// redisKey bounds key length; paths can be long.
func (r *RedisThrottle) redisKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return r.prefix + hex.EncodeToString(sum[:])
}
