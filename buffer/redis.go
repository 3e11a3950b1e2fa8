package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cppla/pageviews/models"
)

// cutScript moves up to ARGV[1] of the oldest pending items into a batch
// list and indexes the batch by creation time.
// KEYS: pending, batch list, batch index. ARGV: max, created ms, batch id.
var cutScript = redis.NewScript(`
local n = 0
for i = 1, tonumber(ARGV[1]) do
  local v = redis.call('RPOP', KEYS[1])
  if not v then break end
  redis.call('RPUSH', KEYS[2], v)
  n = n + 1
end
if n > 0 then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
end
return n
`)

// popIfOldest removes the queue tail only if it is still ARGV[1].
var popIfOldest = redis.NewScript(`
if redis.call('LINDEX', KEYS[1], -1) == ARGV[1] then
  redis.call('RPOP', KEYS[1])
  return 1
end
return 0
`)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps the buffer in Redis so every process shares it:
// a pending list (LPUSH at the head, oldest at the tail), one list per batch
// and a sorted set indexing batches by creation time.
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, timeout time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "pageviews:buffer"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{rdb: rdb, prefix: prefix, timeout: timeout}
}

func (r *RedisStore) pendingKey() string        { return r.prefix + ":pending" }
func (r *RedisStore) indexKey() string          { return r.prefix + ":batches" }
func (r *RedisStore) leaseKey() string          { return r.prefix + ":lease" }
func (r *RedisStore) batchKey(id string) string { return r.prefix + ":batch:" + id }

func (r *RedisStore) Push(ctx context.Context, item models.BufferedView) (int64, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("encode buffered view: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.rdb.LPush(ctx, r.pendingKey(), raw).Result()
	if err != nil {
		return 0, unavailable("push", err)
	}
	return n, nil
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.rdb.Pipeline()
	llen := pipe.LLen(ctx, r.pendingKey())
	tail := pipe.LIndex(ctx, r.pendingKey(), -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, unavailable("stats", err)
	}
	st := Stats{Pending: llen.Val()}
	if raw := tail.Val(); raw != "" {
		var item models.BufferedView
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			st.Oldest = time.Unix(0, 0).UTC()
		} else {
			st.Oldest = item.EnqueuedAt
		}
	}
	return st, nil
}

func (r *RedisStore) Cut(ctx context.Context, id string, max int, at time.Time) (Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	b := Batch{ID: id, CreatedAt: at}
	keys := []string{r.pendingKey(), r.batchKey(id), r.indexKey()}
	n, err := cutScript.Run(ctx, r.rdb, keys, max, at.UnixMilli(), id).Int()
	if err != nil {
		return b, unavailable("cut", err)
	}
	if n == 0 {
		return b, nil
	}
	items, corrupt, err := r.items(ctx, id)
	if err != nil {
		return b, err
	}
	b.Items, b.Corrupt = items, corrupt
	return b, nil
}

func (r *RedisStore) Batches(ctx context.Context) ([]Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	entries, err := r.rdb.ZRangeWithScores(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list batches", err)
	}
	out := make([]Batch, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		items, corrupt, err := r.items(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 && corrupt == 0 {
			// index entry without a list: a completed batch whose ZREM was lost
			r.rdb.ZRem(ctx, r.indexKey(), id)
			continue
		}
		out = append(out, Batch{ID: id, CreatedAt: time.UnixMilli(int64(z.Score)).UTC(), Items: items, Corrupt: corrupt})
	}
	return out, nil
}

// items decodes a batch list and counts the entries it could not decode.
func (r *RedisStore) items(ctx context.Context, id string) ([]models.BufferedView, int, error) {
	raws, err := r.rdb.LRange(ctx, r.batchKey(id), 0, -1).Result()
	if err != nil {
		return nil, 0, unavailable("read batch", err)
	}
	items := make([]models.BufferedView, 0, len(raws))
	corrupt := 0
	for _, raw := range raws {
		var item models.BufferedView
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			corrupt++
			continue
		}
		items = append(items, item)
	}
	return items, corrupt, nil
}

func (r *RedisStore) Replace(ctx context.Context, id string, items []models.BufferedView) error {
	if len(items) == 0 {
		return r.Complete(ctx, id)
	}
	raws := make([]interface{}, len(items))
	for i, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode buffered view: %w", err)
		}
		raws[i] = raw
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.batchKey(id))
	pipe.RPush(ctx, r.batchKey(id), raws...)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("replace", err)
	}
	return nil
}

func (r *RedisStore) Complete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.batchKey(id))
	pipe.ZRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("complete", err)
	}
	return nil
}

func (r *RedisStore) ReapPending(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	reaped := 0
	for {
		raw, err := r.rdb.LIndex(ctx, r.pendingKey(), -1).Result()
		if errors.Is(err, redis.Nil) {
			return reaped, nil
		}
		if err != nil {
			return reaped, unavailable("reap pending", err)
		}
		var item models.BufferedView
		if err := json.Unmarshal([]byte(raw), &item); err == nil && !item.EnqueuedAt.Before(cutoff) {
			return reaped, nil
		}
		popped, err := popIfOldest.Run(ctx, r.rdb, []string{r.pendingKey()}, raw).Int()
		if err != nil {
			return reaped, unavailable("reap pending", err)
		}
		reaped += popped
	}
}

func (r *RedisStore) ReapBatches(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ids, err := r.rdb.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, unavailable("reap batches", err)
	}
	views := 0
	for _, id := range ids {
		n, err := r.rdb.LLen(ctx, r.batchKey(id)).Result()
		if err != nil {
			return views, unavailable("reap batches", err)
		}
		if err := r.Complete(ctx, id); err != nil {
			return views, err
		}
		views += int(n)
	}
	return views, nil
}

func (r *RedisStore) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.leaseKey(), token, ttl).Result()
	if err != nil {
		return func() {}, false, unavailable("acquire lease", err)
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		_ = releaseScript.Run(rctx, r.rdb, []string{r.leaseKey()}, token).Err()
	}, true, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
