package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript はソート済み集合を使ったスライディングウィンドウの判定を原子的に行う。
// KEYS[1]: カウンタキー
// ARGV[1]: 現在時刻(ms) ARGV[2]: ウィンドウ幅(ms) ARGV[3]: 上限 ARGV[4]: 記録メンバー
// 戻り値: {allowed(0|1), remaining, resetAt(ms)}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end

local remaining = limit - count
if remaining < 0 then
  remaining = 0
end
return {allowed, remaining, reset}
`)

// RedisCounterStore はRedisに記録を保持するCounterStore。
// 複数インスタンス間で同じウィンドウを共有する。
type RedisCounterStore struct {
	client redis.Scripter
	now    func() time.Time
}

// NewRedisCounterStore はRedisCounterStoreを生成する。
func NewRedisCounterStore(client redis.Scripter) *RedisCounterStore {
	return &RedisCounterStore{client: client, now: time.Now}
}

// IncrementAndCheck はLuaスクリプトで判定と記録を1往復で行う。
func (s *RedisCounterStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	values, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("sliding window script failed: %w", err)
	}
	if len(values) != 3 {
		return Result{}, fmt.Errorf("unexpected sliding window result: %v", values)
	}

	return Result{
		Allowed:   values[0] == 1,
		Remaining: int(values[1]),
		ResetAt:   time.UnixMilli(values[2]),
	}, nil
}

// compile-time interface check
var _ CounterStore = (*RedisCounterStore)(nil)
