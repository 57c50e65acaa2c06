// ============================================================================
// Beaver-Relay 分散式鎖 - 以擁有者權杖（fencing token）保護的互斥鎖
// ============================================================================
//
// Package: internal/lock
// 文件: lock.go
// 功能: 每個資源鍵同一時間最多一個持有者
//
// 協議:
//   Acquire: SetIfAbsent("lock:"+resource, token, ttl)
//   Release: CompareAndDelete("lock:"+resource, token)
//   Extend:  CompareAndExpire("lock:"+resource, token, ttl)
//
//   持有者崩潰時由 TTL 回收。TTL 過期且被他人重新取得後，
//   舊持有者的 Release 只會回傳 false，不會刪掉新持有者的鎖。
//
// ============================================================================

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidArgument 資源鍵或權杖為空
	ErrInvalidArgument = errors.New("lock: resource key and owner token must be non-empty")
	// ErrNotHeld Extend 時呼叫者已不是持有者
	ErrNotHeld = errors.New("lock: not held by owner")
)

// Locker 分散式鎖
type Locker struct {
	kv         store.KeyValueStore
	defaultTTL time.Duration
}

// New 建立鎖；defaultTTL <= 0 時使用 store.DefaultLockTTL
func New(kv store.KeyValueStore, defaultTTL time.Duration) *Locker {
	if defaultTTL <= 0 {
		defaultTTL = store.DefaultLockTTL
	}
	return &Locker{kv: kv, defaultTTL: defaultTTL}
}

// DefaultTTL 預設持有時間
func (l *Locker) DefaultTTL() time.Duration {
	return l.defaultTTL
}

func validate(resourceKey, ownerToken string) error {
	if resourceKey == "" || ownerToken == "" {
		return ErrInvalidArgument
	}
	return nil
}

func (l *Locker) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return l.defaultTTL
	}
	return ttl
}

// Acquire 嘗試取得鎖
//
// 參數：
//   - resourceKey: 資源鍵（不含 "lock:" 前綴）
//   - ownerToken: 擁有者權杖，Release / Extend 時必須提供相同的值
//   - ttl: 持有時間，<= 0 使用預設值
//
// 返回值：
//   - bool: true 表示取得；false 表示已有其他持有者（不是錯誤）
//   - error: 儲存層錯誤
func (l *Locker) Acquire(ctx context.Context, resourceKey, ownerToken string, ttl time.Duration) (bool, error) {
	if err := validate(resourceKey, ownerToken); err != nil {
		return false, err
	}

	ok, err := l.kv.SetIfAbsent(ctx, store.LockKey(resourceKey), []byte(ownerToken), l.ttlOrDefault(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resourceKey, err)
	}
	return ok, nil
}

// Release 釋放鎖，只有權杖相符時才刪除
//
// 返回值：
//   - bool: true 表示確實刪除了自己的鎖；false 表示鎖已過期或已被他人持有
//   - error: 儲存層錯誤
func (l *Locker) Release(ctx context.Context, resourceKey, ownerToken string) (bool, error) {
	if err := validate(resourceKey, ownerToken); err != nil {
		return false, err
	}

	ok, err := l.kv.CompareAndDelete(ctx, store.LockKey(resourceKey), []byte(ownerToken))
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resourceKey, err)
	}
	return ok, nil
}

// Extend 延長自己持有的鎖；已不是持有者時回傳 ErrNotHeld
func (l *Locker) Extend(ctx context.Context, resourceKey, ownerToken string, ttl time.Duration) error {
	if err := validate(resourceKey, ownerToken); err != nil {
		return err
	}

	ok, err := l.kv.CompareAndExpire(ctx, store.LockKey(resourceKey), []byte(ownerToken), l.ttlOrDefault(ttl))
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", resourceKey, err)
	}
	if !ok {
		return fmt.Errorf("extend lock %s: %w", resourceKey, ErrNotHeld)
	}
	return nil
}

// Holder 目前持有者的權杖；沒有持有者回傳 store.ErrNotFound
func (l *Locker) Holder(ctx context.Context, resourceKey string) (string, error) {
	if resourceKey == "" {
		return "", ErrInvalidArgument
	}

	v, err := l.kv.Get(ctx, store.LockKey(resourceKey))
	if err != nil {
		return "", err
	}
	return string(v), nil
}
