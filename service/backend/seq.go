package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemSeq 进程内序列分配；首次取号从存储 max(seq) 初始化
type MemSeq struct {
	mu    sync.Mutex
	store Store
	cur   map[string]int64
}

func NewMemSeq(store Store) *MemSeq {
	return &MemSeq{store: store, cur: make(map[string]int64)}
}

func (a *MemSeq) NextSeq(ctx context.Context, convID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cur[convID]; !ok {
		if err := a.store.EnsureConversation(ctx, convID); err != nil {
			return 0, err
		}
		max, err := a.store.QueryMaxSeq(ctx, convID)
		if err != nil {
			return 0, err
		}
		a.cur[convID] = max
	}
	a.cur[convID]++
	return a.cur[convID], nil
}

func (a *MemSeq) ReconcileAndNext(_ context.Context, convID string, dbMax int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur[convID] < dbMax {
		a.cur[convID] = dbMax
	}
	a.cur[convID]++
	return a.cur[convID], nil
}

// RedisSeq 多实例部署用的 redis 分配器。
// 未初始化（无/0）时加锁防风暴：建会话 → 读 DB max(seq) → SET → INCR。
type RedisSeq struct {
	rdb        redis.UniversalClient
	store      Store
	seqPrefix  string
	lockPrefix string
	lockTTL    time.Duration
	spinWait   time.Duration
}

func NewRedisSeq(rdb redis.UniversalClient, store Store) *RedisSeq {
	return &RedisSeq{
		rdb:        rdb,
		store:      store,
		seqPrefix:  "im:seq",
		lockPrefix: "im:seq:init",
		lockTTL:    10 * time.Second,
		spinWait:   50 * time.Millisecond,
	}
}

func (a *RedisSeq) seqKey(convID string) string  { return fmt.Sprintf("%s:%s", a.seqPrefix, convID) }
func (a *RedisSeq) lockKey(convID string) string { return fmt.Sprintf("%s:%s", a.lockPrefix, convID) }

func (a *RedisSeq) NextSeq(ctx context.Context, convID string) (int64, error) {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return a.rdb.Incr(ctx, key).Result()
	}
	if err := a.initIfNeeded(ctx, convID); err != nil {
		return 0, err
	}
	return a.rdb.Incr(ctx, key).Result()
}

func (a *RedisSeq) initIfNeeded(ctx context.Context, convID string) error {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	// 加锁防止风暴
	lock := a.lockKey(convID)
	token := randToken(16)
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
			return nil
		}
		return errors.New("seq init contention, retry")
	}
	defer func() { _ = unlock(ctx, a.rdb, lock, token) }()

	// 双检
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	if err := a.store.EnsureConversation(ctx, convID); err != nil {
		return err
	}
	maxSeq, err := a.store.QueryMaxSeq(ctx, convID)
	if err != nil {
		return err
	}
	return a.rdb.Set(ctx, key, maxSeq, 0).Err()
}

// 发现落后时：只升不降，矫正后 INCR 取新号
var reconcileAndNextLua = `
local k = KEYS[1]
local dbMax = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < dbMax) then
  redis.call('SET', k, dbMax)
end
return redis.call('INCR', k)
`

func (a *RedisSeq) ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error) {
	return a.rdb.Eval(ctx, reconcileAndNextLua, []string{a.seqKey(convID)}, dbMax).Int64()
}

var unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

func unlock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return rdb.Eval(ctx, unlockLua, []string{key}, token).Err()
}

func randToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
