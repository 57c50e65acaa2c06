// ============================================================================
// Beaver-Relay 記憶體後端 - 單行程 KeyValueStore + StreamLog
// ============================================================================
//
// Package: internal/store/memory
// 文件: memory.go
// 功能: 以單一互斥鎖保護所有資料結構，提供與 Redis 相同語意的後端
//
// 用途:
//   - 單元測試（可注入時鐘，快轉 TTL）
//   - standalone 模式（serve 與 worker 在同一行程）
//   - 搭配 snapshot 套件定期落盤，重啟後恢復
//
// 阻塞式讀取:
//   每次串列或串流被寫入時，關閉 changed channel 並換上新的 channel，
//   等待中的 goroutine 被喚醒後重新檢查條件（broadcast 模式）。
//
// ============================================================================

package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/snapshot"
	"github.com/ChuLiYu/beaver-relay/internal/storage/wal"
	"github.com/ChuLiYu/beaver-relay/internal/store"
)

type entry struct {
	value     []byte
	expiresAt time.Time // 零值表示永久
}

type list struct {
	items     [][]byte
	expiresAt time.Time
}

type group struct {
	lastID  streamID
	pending map[string]string // 訊息 ID -> 消費者
}

type stream struct {
	msgs   []store.Message
	lastID streamID
	groups map[string]*group
}

// Store 記憶體後端
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*entry
	lists   map[string]*list
	streams map[string]*stream
	changed chan struct{}
	closed  bool
	journal Journal
}

// Option 設定選項
type Option func(*Store)

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New 建立記憶體後端
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		entries: make(map[string]*entry),
		lists:   make(map[string]*list),
		streams: make(map[string]*stream),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Backend = (*Store)(nil)

// ============================================================================
// 內部工具
// ============================================================================

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// expiryMillis 以毫秒記錄到期時間，無條件進位，避免日誌重放後提早到期
func (s *Store) expiryMillis(ttl time.Duration) int64 {
	at := s.expiry(ttl)
	if at.IsZero() {
		return 0
	}
	ms := at.UnixMilli()
	if time.UnixMilli(ms).Before(at) {
		ms++
	}
	return ms
}

func (s *Store) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

// liveEntry 取得未過期的鍵值，順便清除過期資料（呼叫者需持有鎖）
func (s *Store) liveEntry(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.expired(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *Store) liveList(key string) *list {
	l, ok := s.lists[key]
	if !ok {
		return nil
	}
	if s.expired(l.expiresAt) || len(l.items) == 0 {
		delete(s.lists, key)
		return nil
	}
	return l
}

// signal 喚醒所有等待中的阻塞讀取（呼叫者需持有鎖）
func (s *Store) signal() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait 等待下一次寫入、逾時或 ctx 取消
//
// 返回值：
//   - bool: true 表示有新的寫入，應重新檢查條件
//   - error: ctx 取消時回傳 ctx.Err()
func wait(ctx context.Context, changed <-chan struct{}, deadline <-chan time.Time) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-deadline:
		return false, nil
	case <-changed:
		return true, nil
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ============================================================================
// KeyValueStore
// ============================================================================

// Get 取得值
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e := s.liveEntry(key)
	if e == nil {
		return nil, store.ErrNotFound
	}
	return clone(e.value), nil
}

// Set 寫入值
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mutate(wal.Record{Op: wal.OpSet, Key: key, Value: value, ExpiresAt: s.expiryMillis(ttl)})
	return nil
}

// Delete 刪除鍵（包含串列與串流）
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	_, isStream := s.streams[key]
	removed := s.liveEntry(key) != nil || s.liveList(key) != nil || isStream
	if removed {
		s.mutate(wal.Record{Op: wal.OpDelete, Key: key})
	}
	return removed, nil
}

// SetIfAbsent 原子性「不存在才寫入」
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if s.liveEntry(key) != nil {
		return false, nil
	}
	s.mutate(wal.Record{Op: wal.OpSet, Key: key, Value: value, ExpiresAt: s.expiryMillis(ttl)})
	return true, nil
}

// CompareAndDelete 值相符才刪除
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	e := s.liveEntry(key)
	if e == nil || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	s.mutate(wal.Record{Op: wal.OpDelete, Key: key})
	return true, nil
}

// CompareAndExpire 值相符才重設 TTL
func (s *Store) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	e := s.liveEntry(key)
	if e == nil || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	s.mutate(wal.Record{Op: wal.OpExpire, Key: key, ExpiresAt: s.expiryMillis(ttl)})
	return true, nil
}

// Expire 重設 TTL（鍵值或串列）
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if s.liveEntry(key) == nil && s.liveList(key) == nil {
		return false, nil
	}
	s.mutate(wal.Record{Op: wal.OpExpire, Key: key, ExpiresAt: s.expiryMillis(ttl)})
	return true, nil
}

// Incr 計數器加一
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var (
		n         int64
		expiresAt int64
	)
	if e := s.liveEntry(key); e != nil {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memory: value at %q is not an integer", key)
		}
		n = v
		expiresAt = toMillis(e.expiresAt)
	}
	n++

	// 計數器保留原本的 TTL
	s.mutate(wal.Record{Op: wal.OpSet, Key: key, Value: []byte(strconv.FormatInt(n, 10)), ExpiresAt: expiresAt})
	return n, nil
}

// ListPush 追加到串列尾端
func (s *Store) ListPush(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mutate(wal.Record{Op: wal.OpPush, Key: key, Value: value})
	return nil
}

// popLocked 從頭端取出（呼叫者需持有鎖）
func (s *Store) popLocked(key string) ([]byte, bool) {
	l := s.liveList(key)
	if l == nil {
		return nil, false
	}
	v := l.items[0]
	s.mutate(wal.Record{Op: wal.OpPop, Key: key})
	return v, true
}

// ListPop 從串列頭端取出
func (s *Store) ListPop(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	v, ok := s.popLocked(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

// ListPopBlocking 阻塞式取出；timeout <= 0 代表只受 ctx 控制
func (s *Store) ListPopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if err := s.checkOpen(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if v, ok := s.popLocked(key); ok {
			s.mu.Unlock()
			return v, nil
		}
		changed := s.changed
		s.mu.Unlock()

		woke, err := wait(ctx, changed, deadline)
		if err != nil {
			return nil, err
		}
		if !woke {
			return nil, store.ErrNotFound
		}
	}
}

// Close 關閉後端，喚醒所有等待者
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.signal()
	return nil
}

// ============================================================================
// StreamLog
// ============================================================================

func (s *Store) streamFor(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

// Append 追加訊息
func (s *Store) Append(ctx context.Context, name string, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var last streamID
	if st, ok := s.streams[name]; ok {
		last = st.lastID
	}
	id := last.next(s.now().UnixMilli()).String()
	s.mutate(wal.Record{Op: wal.OpAppend, Key: name, IDs: []string{id}, Fields: fields})
	return id, nil
}

func copyMessage(m store.Message) store.Message {
	fields := make(map[string]string, len(m.Fields))
	for k, v := range m.Fields {
		fields[k] = v
	}
	return store.Message{ID: m.ID, Fields: fields}
}

// collectAfter 收集 after 之後的訊息（呼叫者需持有鎖）
func collectAfter(st *stream, after streamID, count int) []store.Message {
	var out []store.Message
	for _, m := range st.msgs {
		id, err := parseStreamID(m.ID)
		if err != nil || !after.less(id) {
			continue
		}
		out = append(out, copyMessage(m))
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

// blockingRead 通用阻塞讀取迴圈
func (s *Store) blockingRead(ctx context.Context, block time.Duration, read func() ([]store.Message, error)) ([]store.Message, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if err := s.checkOpen(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		msgs, err := read()
		if err != nil || len(msgs) > 0 || block < 0 {
			s.mu.Unlock()
			return msgs, err
		}
		changed := s.changed
		s.mu.Unlock()

		woke, err := wait(ctx, changed, deadline)
		if err != nil {
			return nil, err
		}
		if !woke {
			return nil, nil
		}
	}
}

// ReadFrom 讀取 afterID 之後的訊息
func (s *Store) ReadFrom(ctx context.Context, name, afterID string, count int, block time.Duration) ([]store.Message, error) {
	after, err := parseStreamID(afterID)
	if err != nil {
		return nil, err
	}

	return s.blockingRead(ctx, block, func() ([]store.Message, error) {
		st, ok := s.streams[name]
		if !ok {
			return nil, nil
		}
		return collectAfter(st, after, count), nil
	})
}

// Remove 刪除訊息
func (s *Store) Remove(ctx context.Context, name string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	st, ok := s.streams[name]
	if !ok {
		return 0, nil
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var present []string
	for _, m := range st.msgs {
		if drop[m.ID] {
			present = append(present, m.ID)
		}
	}
	if len(present) > 0 {
		s.mutate(wal.Record{Op: wal.OpRemove, Key: name, IDs: present})
	}
	return int64(len(present)), nil
}

// Len 訊息數量
func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	st, ok := s.streams[name]
	if !ok {
		return 0, nil
	}
	return int64(len(st.msgs)), nil
}

// EnsureGroup 建立消費者群組
func (s *Store) EnsureGroup(ctx context.Context, name, groupName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if st, ok := s.streams[name]; ok {
		if _, ok := st.groups[groupName]; ok {
			return nil
		}
	}
	s.mutate(wal.Record{Op: wal.OpGroup, Key: name, Group: groupName})
	return nil
}

// ReadGroup 以群組身份讀取
func (s *Store) ReadGroup(ctx context.Context, name, groupName, consumer, start string, count int, block time.Duration) ([]store.Message, error) {
	var cursor streamID
	if start != ">" {
		// 讀取此消費者 ID 大於 start 的待確認訊息，不阻塞
		block = -1
		var err error
		if cursor, err = parseStreamID(start); err != nil {
			return nil, err
		}
	}

	return s.blockingRead(ctx, block, func() ([]store.Message, error) {
		st, ok := s.streams[name]
		if !ok {
			return nil, store.ErrGroupNotFound
		}
		g, ok := st.groups[groupName]
		if !ok {
			return nil, store.ErrGroupNotFound
		}

		if start != ">" {
			var out []store.Message
			for _, m := range st.msgs {
				if g.pending[m.ID] != consumer {
					continue
				}
				if id, err := parseStreamID(m.ID); err != nil || !cursor.less(id) {
					continue
				}
				out = append(out, copyMessage(m))
				if count > 0 && len(out) >= count {
					break
				}
			}
			return out, nil
		}

		msgs := collectAfter(st, g.lastID, count)
		if len(msgs) > 0 {
			ids := make([]string, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			s.mutate(wal.Record{Op: wal.OpDeliver, Key: name, Group: groupName, Consumer: consumer, IDs: ids})
		}
		return msgs, nil
	})
}

// Ack 確認訊息
func (s *Store) Ack(ctx context.Context, name, groupName string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	st, ok := s.streams[name]
	if !ok {
		return 0, nil
	}
	g, ok := st.groups[groupName]
	if !ok {
		return 0, store.ErrGroupNotFound
	}

	var acked []string
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			acked = append(acked, id)
		}
	}
	if len(acked) > 0 {
		s.mutate(wal.Record{Op: wal.OpAck, Key: name, Group: groupName, IDs: acked})
	}
	return int64(len(acked)), nil
}

// ============================================================================
// 快照與維護
// ============================================================================

// Purge 清除所有過期資料，回傳清除數量
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for k, e := range s.entries {
		if s.expired(e.expiresAt) {
			delete(s.entries, k)
			purged++
		}
	}
	for k, l := range s.lists {
		if s.expired(l.expiresAt) || len(l.items) == 0 {
			delete(s.lists, k)
			purged++
		}
	}
	return purged
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Snapshot 生成快照資料（深拷貝，略過已過期資料）
func (s *Store) Snapshot() snapshot.Data {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := snapshot.Empty()
	data.TakenAt = s.now().UnixMilli()
	if s.journal != nil {
		data.JournalSeq = s.journal.LastSeq()
	}

	for k, e := range s.entries {
		if s.expired(e.expiresAt) {
			continue
		}
		data.Entries[k] = snapshot.Entry{Value: clone(e.value), ExpiresAt: toMillis(e.expiresAt)}
	}
	for k, l := range s.lists {
		if s.expired(l.expiresAt) || len(l.items) == 0 {
			continue
		}
		items := make([][]byte, len(l.items))
		for i, it := range l.items {
			items[i] = clone(it)
		}
		data.Lists[k] = snapshot.List{Items: items, ExpiresAt: toMillis(l.expiresAt)}
	}
	for k, st := range s.streams {
		msgs := make([]store.Message, len(st.msgs))
		for i, m := range st.msgs {
			msgs[i] = copyMessage(m)
		}
		groups := make(map[string]snapshot.Group, len(st.groups))
		for name, g := range st.groups {
			pending := make(map[string]string, len(g.pending))
			for id, c := range g.pending {
				pending[id] = c
			}
			groups[name] = snapshot.Group{LastID: g.lastID.String(), Pending: pending}
		}
		data.Streams[k] = snapshot.Stream{Messages: msgs, LastID: st.lastID.String(), Groups: groups}
	}
	return data
}

// Restore 從快照恢復狀態（清空現有資料）
func (s *Store) Restore(data snapshot.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]*entry, len(data.Entries))
	for k, e := range data.Entries {
		entries[k] = &entry{value: clone(e.Value), expiresAt: fromMillis(e.ExpiresAt)}
	}
	lists := make(map[string]*list, len(data.Lists))
	for k, l := range data.Lists {
		items := make([][]byte, len(l.Items))
		for i, it := range l.Items {
			items[i] = clone(it)
		}
		lists[k] = &list{items: items, expiresAt: fromMillis(l.ExpiresAt)}
	}
	streams := make(map[string]*stream, len(data.Streams))
	for k, st := range data.Streams {
		lastID, err := parseStreamID(st.LastID)
		if err != nil {
			return fmt.Errorf("restore stream %q: %w", k, err)
		}
		msgs := make([]store.Message, len(st.Messages))
		for i, m := range st.Messages {
			msgs[i] = copyMessage(m)
		}
		sort.SliceStable(msgs, func(i, j int) bool {
			a, _ := parseStreamID(msgs[i].ID)
			b, _ := parseStreamID(msgs[j].ID)
			return a.less(b)
		})
		groups := make(map[string]*group, len(st.Groups))
		for name, g := range st.Groups {
			gid, err := parseStreamID(g.LastID)
			if err != nil {
				return fmt.Errorf("restore group %q: %w", name, err)
			}
			pending := make(map[string]string, len(g.Pending))
			for id, c := range g.Pending {
				pending[id] = c
			}
			groups[name] = &group{lastID: gid, pending: pending}
		}
		streams[k] = &stream{msgs: msgs, lastID: lastID, groups: groups}
	}

	s.entries = entries
	s.lists = lists
	s.streams = streams
	s.signal()
	return nil
}
