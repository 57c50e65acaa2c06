// Package storetest holds the behavioural checks every store backend must pass.
// Backend packages call these from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// Advance moves the backend's notion of time forward so TTLs can be tested
// without sleeping.
type Advance func(d time.Duration)

// KVFactory returns a fresh, empty KeyValueStore.
type KVFactory func(t *testing.T) (store.KeyValueStore, Advance)

// BackendFactory returns a fresh, empty Backend.
type BackendFactory func(t *testing.T) (store.Backend, Advance)

// Run exercises both the key/value and the stream halves of a backend.
func Run(t *testing.T, factory BackendFactory) {
	t.Run("KeyValue", func(t *testing.T) {
		RunKeyValue(t, func(t *testing.T) (store.KeyValueStore, Advance) {
			return factory(t)
		})
	})
	t.Run("StreamLog", func(t *testing.T) {
		RunStreamLog(t, factory)
	})
}

// RunKeyValue checks KeyValueStore semantics.
func RunKeyValue(t *testing.T, factory KVFactory) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		s, _ := factory(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		s, _ := factory(t)
		require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
		require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("TTLExpires", func(t *testing.T) {
		s, advance := factory(t)
		require.NoError(t, s.Set(ctx, "k", []byte("v"), 2*time.Second))

		advance(time.Second)
		_, err := s.Get(ctx, "k")
		require.NoError(t, err)

		advance(2 * time.Second)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		s, _ := factory(t)
		require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

		removed, err := s.Delete(ctx, "k")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Delete(ctx, "k")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("SetIfAbsent", func(t *testing.T) {
		s, advance := factory(t)

		ok, err := s.SetIfAbsent(ctx, "k", []byte("first"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetIfAbsent(ctx, "k", []byte("second"), time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)

		advance(2 * time.Second)
		ok, err = s.SetIfAbsent(ctx, "k", []byte("third"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "expired key must be claimable again")
	})

	t.Run("SetIfAbsentRace", func(t *testing.T) {
		s, _ := factory(t)

		const contenders = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetIfAbsent(ctx, "race", []byte(fmt.Sprintf("c%d", i)), time.Minute)
				if err != nil {
					t.Errorf("SetIfAbsent: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		s, _ := factory(t)
		require.NoError(t, s.Set(ctx, "k", []byte("token-a"), 0))

		ok, err := s.CompareAndDelete(ctx, "k", []byte("token-b"))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, "k")
		require.NoError(t, err)

		ok, err = s.CompareAndDelete(ctx, "k", []byte("token-a"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndDelete(ctx, "k", []byte("token-a"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CompareAndExpire", func(t *testing.T) {
		s, advance := factory(t)
		require.NoError(t, s.Set(ctx, "k", []byte("tok"), 2*time.Second))

		ok, err := s.CompareAndExpire(ctx, "k", []byte("other"), time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndExpire(ctx, "k", []byte("tok"), time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		advance(time.Minute)
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("tok"), got)
	})

	t.Run("Expire", func(t *testing.T) {
		s, advance := factory(t)

		ok, err := s.Expire(ctx, "missing", time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
		ok, err = s.Expire(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		advance(2 * time.Second)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Incr", func(t *testing.T) {
		s, _ := factory(t)
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		got, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "3", string(got))
	})

	t.Run("ListFIFO", func(t *testing.T) {
		s, _ := factory(t)
		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, s.ListPush(ctx, "q", []byte(v)))
		}
		for _, want := range []string{"a", "b", "c"} {
			got, err := s.ListPop(ctx, "q")
			require.NoError(t, err)
			assert.Equal(t, want, string(got))
		}
		_, err := s.ListPop(ctx, "q")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ListPopBlockingWakes", func(t *testing.T) {
		s, _ := factory(t)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = s.ListPush(context.Background(), "reply", []byte("pong"))
		}()

		got, err := s.ListPopBlocking(ctx, "reply", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(got))
	})

	t.Run("ListPopBlockingTimeout", func(t *testing.T) {
		s, _ := factory(t)
		_, err := s.ListPopBlocking(ctx, "nothing", 100*time.Millisecond)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// RunStreamLog checks StreamLog semantics.
func RunStreamLog(t *testing.T, factory BackendFactory) {
	ctx := context.Background()

	t.Run("AppendReadOrdered", func(t *testing.T) {
		s, _ := factory(t)
		var ids []string
		for i := 0; i < 3; i++ {
			id, err := s.Append(ctx, "events", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		msgs, err := s.ReadFrom(ctx, "events", "0", 0, -1)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, m := range msgs {
			assert.Equal(t, ids[i], m.ID)
			assert.Equal(t, fmt.Sprint(i), m.Fields["n"])
		}

		after, err := s.ReadFrom(ctx, "events", ids[0], 1, -1)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, ids[1], after[0].ID)
	})

	t.Run("ReadEmptyNonBlocking", func(t *testing.T) {
		s, _ := factory(t)
		msgs, err := s.ReadFrom(ctx, "nothing", "0", 10, -1)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("ReadBlockingWakes", func(t *testing.T) {
		s, _ := factory(t)
		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = s.Append(context.Background(), "events", map[string]string{"k": "v"})
		}()

		msgs, err := s.ReadFrom(ctx, "events", "0", 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "v", msgs[0].Fields["k"])
	})

	t.Run("ReadBlockingTimeout", func(t *testing.T) {
		s, _ := factory(t)
		msgs, err := s.ReadFrom(ctx, "events", "0", 1, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("RemoveAndLen", func(t *testing.T) {
		s, _ := factory(t)
		id1, err := s.Append(ctx, "events", map[string]string{"a": "1"})
		require.NoError(t, err)
		_, err = s.Append(ctx, "events", map[string]string{"a": "2"})
		require.NoError(t, err)

		n, err := s.Len(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		removed, err := s.Remove(ctx, "events", id1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		n, err = s.Len(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		msgs, err := s.ReadFrom(ctx, "events", "0", 0, -1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "2", msgs[0].Fields["a"])
	})

	t.Run("ConsumerGroupDeliversOnce", func(t *testing.T) {
		s, _ := factory(t)
		require.NoError(t, s.EnsureGroup(ctx, "jobs", "workers"))
		require.NoError(t, s.EnsureGroup(ctx, "jobs", "workers"), "EnsureGroup must be idempotent")

		for i := 0; i < 4; i++ {
			_, err := s.Append(ctx, "jobs", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}

		first, err := s.ReadGroup(ctx, "jobs", "workers", "c1", ">", 2, -1)
		require.NoError(t, err)
		second, err := s.ReadGroup(ctx, "jobs", "workers", "c2", ">", 10, -1)
		require.NoError(t, err)

		require.Len(t, first, 2)
		require.Len(t, second, 2)
		seen := map[string]bool{}
		for _, m := range append(first, second...) {
			assert.False(t, seen[m.ID], "message %s delivered twice", m.ID)
			seen[m.ID] = true
		}

		rest, err := s.ReadGroup(ctx, "jobs", "workers", "c1", ">", 10, -1)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})

	t.Run("ConsumerGroupPendingAndAck", func(t *testing.T) {
		s, _ := factory(t)
		require.NoError(t, s.EnsureGroup(ctx, "jobs", "workers"))
		_, err := s.Append(ctx, "jobs", map[string]string{"k": "v"})
		require.NoError(t, err)

		msgs, err := s.ReadGroup(ctx, "jobs", "workers", "c1", ">", 1, -1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		pending, err := s.ReadGroup(ctx, "jobs", "workers", "c1", "0", 10, -1)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, msgs[0].ID, pending[0].ID)

		acked, err := s.Ack(ctx, "jobs", "workers", msgs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), acked)

		pending, err = s.ReadGroup(ctx, "jobs", "workers", "c1", "0", 10, -1)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("ReadGroupUnknownGroup", func(t *testing.T) {
		s, _ := factory(t)
		_, err := s.Append(ctx, "jobs", map[string]string{"k": "v"})
		require.NoError(t, err)

		_, err = s.ReadGroup(ctx, "jobs", "ghost", "c1", ">", 1, -1)
		assert.True(t, errors.Is(err, store.ErrGroupNotFound), "got %v", err)
	})

	t.Run("ReadGroupBlockingWakes", func(t *testing.T) {
		s, _ := factory(t)
		require.NoError(t, s.EnsureGroup(ctx, "jobs", "workers"))

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = s.Append(context.Background(), "jobs", map[string]string{"k": "late"})
		}()

		msgs, err := s.ReadGroup(ctx, "jobs", "workers", "c1", ">", 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "late", msgs[0].Fields["k"])
	})
}
