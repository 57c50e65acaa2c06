// ============================================================================
// Beaver-Relay Redis 後端 - 以 go-redis 實作 KeyValueStore + StreamLog
// ============================================================================
//
// Package: internal/store/redisstore
// 文件: redis.go
// 功能: 正式環境後端，所有行程透過同一個 Redis 協調
//
// 指令對應:
//   SetIfAbsent      -> SET key value PX ttl NX
//   CompareAndDelete -> Lua: GET == token ? DEL : 0
//   CompareAndExpire -> Lua: GET == token ? PEXPIRE : 0
//   ListPush/Pop     -> RPUSH / LPOP / BLPOP（FIFO）
//   Stream           -> XADD / XREAD / XDEL / XLEN / XGROUP / XREADGROUP / XACK
//
// 阻塞指令切成最多 pollSlice 的片段執行，讓 ctx 取消能在片段之間生效。
// 阻塞指令走獨立的 blocking client，並以 semaphore 限制同時佔用的連線數；
// 名額用盡時改以非阻塞指令每 contendedPoll 輪詢一次，不再等待連線池。
//
// ============================================================================

package redisstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

const (
	// pollSlice 單次阻塞指令的最長等待時間
	pollSlice = time.Second
	// contendedPoll 阻塞名額用盡時的輪詢間隔
	contendedPoll = 50 * time.Millisecond
	// DefaultBlockingPoolSize Open 建立的阻塞專用連線池大小
	DefaultBlockingPoolSize = 32
)

var (
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	local ms = tonumber(ARGV[2])
	if ms > 0 then
		return redis.call("PEXPIRE", KEYS[1], ms)
	end
	redis.call("PERSIST", KEYS[1])
	return 1
end
return 0
`)
)

// Config Redis 連線設定
type Config struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// BlockingPoolSize BLPOP / XREAD BLOCK / XREADGROUP BLOCK 專用的連線數
	BlockingPoolSize int `yaml:"blocking_pool_size"`
}

// Store Redis 後端
type Store struct {
	client   redis.UniversalClient
	blocking redis.UniversalClient // 阻塞指令使用；未指定時與 client 相同
	slots    *semaphore.Weighted
}

var _ store.Backend = (*Store)(nil)

// Option 調整 Store
type Option func(*Store)

// WithBlockingClient 阻塞指令改走 c，最多同時佔用 size 條連線
func WithBlockingClient(c redis.UniversalClient, size int) Option {
	return func(s *Store) {
		s.blocking = c
		s.slots = semaphore.NewWeighted(int64(max(size, 1)))
	}
}

// New 包裝既有的 client（測試時可傳入指向 miniredis 的 client）
//
// 沒有 WithBlockingClient 時，阻塞指令與一般指令共用連線池，
// 最多佔用池子的一半。
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		blocking: client,
		slots:    semaphore.NewWeighted(int64(max(poolSize(client)/2, 1))),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// poolSize 取得 client 的連線池大小；無法得知時使用 go-redis 的預設值
func poolSize(client redis.UniversalClient) int {
	if c, ok := client.(interface{ Options() *redis.Options }); ok && c.Options().PoolSize > 0 {
		return c.Options().PoolSize
	}
	return 10 * runtime.GOMAXPROCS(0)
}

// Open 建立連線並以 PING 驗證
//
// 參數：
//   - ctx: 控制 PING 的逾時
//   - cfg: 連線設定
//
// 返回值：
//   - *Store: 後端實例
//   - error: 連線失敗
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	size := cfg.BlockingPoolSize
	if size <= 0 {
		size = DefaultBlockingPoolSize
	}
	blockingOpts := *opts
	blockingOpts.PoolSize = size
	return New(client, WithBlockingClient(redis.NewClient(&blockingOpts), size)), nil
}

// Client 取得底層 client（健康檢查用）
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// ============================================================================
// KeyValueStore
// ============================================================================

// Get 取得值
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return v, nil
}

// Set 寫入值
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Delete 刪除鍵
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return n > 0, nil
}

// SetIfAbsent 原子性「不存在才寫入」
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete 值相符才刪除
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

// CompareAndExpire 值相符才重設 TTL
func (s *Store) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, s.client, []string{key}, expected, normalizeTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-expire %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire 重設 TTL；ttl <= 0 代表移除 TTL
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl > 0 {
		ok, err := s.client.PExpire(ctx, key, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis PEXPIRE %s: %w", key, err)
		}
		return ok, nil
	}

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", key, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.client.Persist(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("redis PERSIST %s: %w", key, err)
	}
	return true, nil
}

// Incr 計數器加一
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	return n, nil
}

// ListPush 追加到串列尾端
func (s *Store) ListPush(ctx context.Context, key string, value []byte) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis RPUSH %s: %w", key, err)
	}
	return nil
}

// ListPop 從串列頭端取出
func (s *Store) ListPop(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis LPOP %s: %w", key, err)
	}
	return v, nil
}

// ListPopBlocking 阻塞式取出；timeout <= 0 代表只受 ctx 控制
func (s *Store) ListPopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slice, ok := nextSlice(deadline)
		if !ok {
			return nil, store.ErrNotFound
		}

		if !s.slots.TryAcquire(1) {
			v, err := s.ListPop(ctx, key)
			if !errors.Is(err, store.ErrNotFound) {
				return v, err
			}
			if err := sleepCtx(ctx, min(contendedPoll, slice)); err != nil {
				return nil, err
			}
			continue
		}
		res, err := s.blocking.BLPop(ctx, slice, key).Result()
		s.slots.Release(1)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis BLPOP %s: %w", key, err)
		}
		// BLPOP 回傳 [key, value]
		if len(res) != 2 {
			return nil, fmt.Errorf("redis BLPOP %s: unexpected reply %v", key, res)
		}
		return []byte(res[1]), nil
	}
}

// Close 關閉連線
func (s *Store) Close() error {
	err := s.client.Close()
	if s.blocking != s.client {
		err = errors.Join(err, s.blocking.Close())
	}
	return err
}

// ============================================================================
// StreamLog
// ============================================================================

// Append 追加訊息
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("redis XADD %s: %w", stream, err)
	}
	return id, nil
}

// ReadFrom 讀取 afterID 之後的訊息
func (s *Store) ReadFrom(ctx context.Context, stream, afterID string, count int, block time.Duration) ([]store.Message, error) {
	if afterID == "" {
		afterID = "0"
	}
	return s.blockingRead(ctx, block, func(c redis.UniversalClient, b time.Duration) ([]redis.XStream, error) {
		return c.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, afterID},
			Count:   int64(count),
			Block:   b,
		}).Result()
	})
}

// Remove 刪除訊息
func (s *Store) Remove(ctx context.Context, stream string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis XDEL %s: %w", stream, err)
	}
	return n, nil
}

// Len 訊息數量
func (s *Store) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis XLEN %s: %w", stream, err)
	}
	return n, nil
}

// EnsureGroup 建立消費者群組（MKSTREAM，從頭開始）
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis XGROUP CREATE %s %s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup 以群組身份讀取
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer, start string, count int, block time.Duration) ([]store.Message, error) {
	if start != ">" {
		block = -1
	}
	msgs, err := s.blockingRead(ctx, block, func(c redis.UniversalClient, b time.Duration) ([]redis.XStream, error) {
		return c.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, start},
			Count:    int64(count),
			Block:    b,
		}).Result()
	})
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		return nil, fmt.Errorf("%s/%s: %w", stream, group, store.ErrGroupNotFound)
	}
	return msgs, err
}

// Ack 確認訊息
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis XACK %s %s: %w", stream, group, err)
	}
	return n, nil
}

// ============================================================================
// 內部工具
// ============================================================================

// blockingRead 將 block 語意轉為一連串有界的 XREAD / XREADGROUP
func (s *Store) blockingRead(ctx context.Context, block time.Duration, read func(redis.UniversalClient, time.Duration) ([]redis.XStream, error)) ([]store.Message, error) {
	if block < 0 {
		return s.readNow(read)
	}

	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slice, ok := nextSlice(deadline)
		if !ok {
			return nil, nil
		}

		if !s.slots.TryAcquire(1) {
			msgs, err := s.readNow(read)
			if err != nil || len(msgs) > 0 {
				return msgs, err
			}
			if err := sleepCtx(ctx, min(contendedPoll, slice)); err != nil {
				return nil, err
			}
			continue
		}
		res, err := read(s.blocking, slice)
		s.slots.Release(1)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if msgs := flatten(res); len(msgs) > 0 {
			return msgs, nil
		}
	}
}

// readNow 在一般連線池上執行一次非阻塞讀取
func (s *Store) readNow(read func(redis.UniversalClient, time.Duration) ([]redis.XStream, error)) ([]store.Message, error) {
	res, err := read(s.client, -1)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return flatten(res), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextSlice 計算下一段阻塞時間；deadline 為零值代表無限期
func nextSlice(deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return pollSlice, true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false
	}
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	if remaining > pollSlice {
		return pollSlice, true
	}
	return remaining, true
}

func flatten(streams []redis.XStream) []store.Message {
	var out []store.Message
	for _, st := range streams {
		for _, m := range st.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				switch tv := v.(type) {
				case string:
					fields[k] = tv
				default:
					fields[k] = fmt.Sprint(tv)
				}
			}
			out = append(out, store.Message{ID: m.ID, Fields: fields})
		}
	}
	return out
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
