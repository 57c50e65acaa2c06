package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/snapshot"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Backend, storetest.Advance) {
		s, clock := newTestStore(t)
		return s, clock.Advance
	})
}

func TestStreamIDsMonotonicWithFrozenClock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	prev := streamID{}
	for i := 0; i < 5; i++ {
		raw, err := s.Append(ctx, "s", map[string]string{"i": "x"})
		require.NoError(t, err)
		id, err := parseStreamID(raw)
		require.NoError(t, err)
		assert.True(t, prev.less(id), "%s should follow %s", id, prev)
		prev = id
	}
}

func TestParseStreamID(t *testing.T) {
	tests := []struct {
		in      string
		want    streamID
		wantErr bool
	}{
		{"0", streamID{}, false},
		{"0-0", streamID{}, false},
		{"", streamID{}, false},
		{"1700000000000-3", streamID{ms: 1700000000000, seq: 3}, false},
		{"42", streamID{ms: 42}, false},
		{"abc-1", streamID{}, true},
		{"1-x", streamID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseStreamID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPurgeRemovesExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, s.Set(ctx, "long", []byte("v"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Purge())

	_, err := s.Get(ctx, "long")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, src.Set(ctx, "lock:analyze:BV1", []byte("job-1"), time.Hour))
	require.NoError(t, src.Set(ctx, "gone", []byte("x"), time.Second))
	require.NoError(t, src.ListPush(ctx, "q", []byte("a")))
	require.NoError(t, src.EnsureGroup(ctx, "jobs", "workers"))
	id, err := src.Append(ctx, "jobs", map[string]string{"resource": "BV1"})
	require.NoError(t, err)
	_, err = src.ReadGroup(ctx, "jobs", "workers", "c1", ">", 1, -1)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	data := src.Snapshot()
	assert.NotContains(t, data.Entries, "gone")

	dst := New(WithClock(clock.Now))
	defer dst.Close()
	require.NoError(t, dst.Restore(data))

	got, err := dst.Get(ctx, "lock:analyze:BV1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", string(got))

	v, err := dst.ListPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	pending, err := dst.ReadGroup(ctx, "jobs", "workers", "c1", "0", 10, -1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	// 新訊息的 ID 必須接續快照中的最後 ID
	next, err := dst.Append(ctx, "jobs", map[string]string{"resource": "BV2"})
	require.NoError(t, err)
	a, _ := parseStreamID(id)
	b, _ := parseStreamID(next)
	assert.True(t, a.less(b))
}

func TestSnapshotThroughManager(t *testing.T) {
	src, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, src.Set(ctx, "job_status:j1", []byte(`{"status":"queued"}`), 0))

	mgr := snapshot.NewManager(t.TempDir() + "/state.json")
	require.NoError(t, mgr.Write(src.Snapshot()))

	data, err := mgr.Load()
	require.NoError(t, err)

	dst := New()
	defer dst.Close()
	require.NoError(t, dst.Restore(data))

	got, err := dst.Get(ctx, "job_status:j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"queued"}`, string(got))
}

func TestCloseUnblocksWaiters(t *testing.T) {
	s := New()
	done := make(chan error, 1)
	go func() {
		_, err := s.ListPopBlocking(context.Background(), "never", 0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, store.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestContextCancelUnblocksRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.ReadFrom(ctx, "events", "0", 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOperationsAfterClose(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil, 0), store.ErrClosed)
}
