package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/collab/statsanalyzer"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/memory"
	"github.com/ChuLiYu/beaver-relay/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var sampleComments = []collab.Comment{
	{Author: "alice", Text: "great video", Likes: 4},
	{Author: "bob", Text: "great music", Likes: 1},
}

// countingFetcher returns comments after an optional gate opens.
type countingFetcher struct {
	calls    atomic.Int32
	gate     chan struct{}
	comments []collab.Comment
	err      error
}

func (f *countingFetcher) FetchComments(ctx context.Context, id string) ([]collab.Comment, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.comments, f.err
}

func gatedAnalyzer(gate chan struct{}) collab.Analyzer {
	inner := statsanalyzer.New(0, 0)
	return collab.AnalyzerFunc(func(ctx context.Context, id string, c []collab.Comment) (collab.Analysis, error) {
		if gate != nil {
			<-gate
		}
		return inner.Analyze(ctx, id, c)
	})
}

func newTestOrchestrator(t *testing.T, f collab.Fetcher, a collab.Analyzer, cfg Config, opts ...Option) (*Orchestrator, *memory.Store) {
	t.Helper()
	kv := memory.New()
	t.Cleanup(func() { kv.Close() })
	return New(kv, f, a, cfg, opts...), kv
}

func lockAbsent(t *testing.T, kv store.KeyValueStore, resourceKey string) {
	t.Helper()
	_, err := kv.Get(context.Background(), store.LockKey(LockResource(resourceKey)))
	assert.ErrorIs(t, err, store.ErrNotFound, "lock for %s must be released", resourceKey)
}

func waitForState(t *testing.T, o *Orchestrator, id types.JobID, state types.JobState, progress int) types.Job {
	t.Helper()
	var last types.Job
	require.Eventually(t, func() bool {
		job, err := o.GetJobStatus(context.Background(), id)
		if err != nil {
			return false
		}
		last = job
		return job.State == state && job.Progress == progress
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s(%d)", state, progress)
	return last
}

// Scenario A and B: full state sequence, with a concurrent resubmission
// while the first job is still processing.
func TestSubmitLifecycle(t *testing.T) {
	fetchGate := make(chan struct{})
	analyzeGate := make(chan struct{})
	f := &countingFetcher{gate: fetchGate, comments: sampleComments}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(analyzeGate), Config{})
	ctx := context.Background()

	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	require.Equal(t, types.OutcomeAccepted, sub.Outcome)
	assert.Regexp(t, `^analyze_V1_[0-9a-f]{8}$`, string(sub.JobID))

	waitForState(t, o, sub.JobID, types.StateProcessing, ProgressFetching)

	holder, err := kv.Get(ctx, store.LockKey("analyze:V1"))
	require.NoError(t, err)
	assert.Equal(t, string(sub.JobID), string(holder), "lock token is the job id")

	again, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeConflict, again.Outcome)
	assert.Empty(t, again.JobID)

	close(fetchGate)
	waitForState(t, o, sub.JobID, types.StateProcessing, ProgressAnalyzing)

	close(analyzeGate)
	o.Wait()

	job, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)

	var analysis collab.Analysis
	require.NoError(t, json.Unmarshal(job.Result, &analysis))
	assert.Equal(t, "V1", analysis.ResourceID)
	assert.Equal(t, 2, analysis.CommentCount)

	lockAbsent(t, kv, "V1")

	cached, err := o.GetCachedResult(ctx, "V1")
	require.NoError(t, err)
	assert.JSONEq(t, string(job.Result), string(cached))
}

// Scenario C: a cached result short-circuits submission.
func TestSubmitCacheHit(t *testing.T) {
	f := &countingFetcher{comments: sampleComments}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{})
	ctx := context.Background()

	require.NoError(t, o.PutCachedResult(ctx, "V1", json.RawMessage(`{"summary":"cached"}`)))

	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCached, sub.Outcome)
	assert.JSONEq(t, `{"summary":"cached"}`, string(sub.Result))
	assert.Empty(t, sub.JobID)

	o.Wait()
	assert.Equal(t, int32(0), f.calls.Load(), "fetch collaborator never invoked")
	lockAbsent(t, kv, "V1")

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[CounterCacheHits])
	assert.Equal(t, int64(0), stats[CounterConflicts])
}

// Scenario D: an empty fetch fails the job and releases the lock.
func TestSubmitEmptyFetch(t *testing.T) {
	f := &countingFetcher{}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{})
	ctx := context.Background()

	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	require.Equal(t, types.OutcomeAccepted, sub.Outcome)
	o.Wait()

	job, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Equal(t, ProgressFetching, job.Progress, "failure keeps the progress reached")
	assert.Contains(t, job.Details, "V1")
	assert.Empty(t, job.Result)
	lockAbsent(t, kv, "V1")

	_, err = o.GetCachedResult(ctx, "V1")
	assert.ErrorIs(t, err, ErrNotFound, "failures are not cached")
}

func TestSubmitFailurePaths(t *testing.T) {
	failingAnalyzer := collab.AnalyzerFunc(func(context.Context, string, []collab.Comment) (collab.Analysis, error) {
		return collab.Analysis{}, errors.New("model offline")
	})
	panickingAnalyzer := collab.AnalyzerFunc(func(context.Context, string, []collab.Comment) (collab.Analysis, error) {
		panic("boom")
	})
	panickingFetcher := collab.FetcherFunc(func(context.Context, string) ([]collab.Comment, error) {
		panic(errors.New("fetch exploded"))
	})

	tests := []struct {
		name         string
		fetcher      collab.Fetcher
		analyzer     collab.Analyzer
		wantProgress int
		wantDetails  string
	}{
		{"upstream error", &countingFetcher{err: errors.New("connection refused")}, gatedAnalyzer(nil), ProgressFetching, "connection refused"},
		{"analysis error", &countingFetcher{comments: sampleComments}, failingAnalyzer, ProgressAnalyzing, "model offline"},
		{"analyzer panic", &countingFetcher{comments: sampleComments}, panickingAnalyzer, ProgressAnalyzing, "internal error"},
		{"fetcher panic", panickingFetcher, gatedAnalyzer(nil), ProgressFetching, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, kv := newTestOrchestrator(t, tt.fetcher, tt.analyzer, Config{})
			ctx := context.Background()

			sub, err := o.Submit(ctx, "V9")
			require.NoError(t, err)
			o.Wait()

			job, err := o.GetJobStatus(ctx, sub.JobID)
			require.NoError(t, err)
			assert.Equal(t, types.StateFailed, job.State)
			assert.Equal(t, tt.wantProgress, job.Progress)
			assert.Contains(t, job.Details, tt.wantDetails)
			assert.Contains(t, job.Details, "V9")
			lockAbsent(t, kv, "V9")

			// The lock is free again, so a retry is accepted
			retry, err := o.Submit(ctx, "V9")
			require.NoError(t, err)
			assert.Equal(t, types.OutcomeAccepted, retry.Outcome)
			o.Wait()
		})
	}
}

func TestSubmitMutualExclusion(t *testing.T) {
	gate := make(chan struct{})
	f := &countingFetcher{gate: gate, comments: sampleComments}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{})
	ctx := context.Background()

	const callers = 20
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		conflict atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := o.Submit(ctx, "hot")
			if !assert.NoError(t, err) {
				return
			}
			switch sub.Outcome {
			case types.OutcomeAccepted:
				accepted.Add(1)
			case types.OutcomeConflict:
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()
	close(gate)
	o.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), conflict.Load())
	assert.Equal(t, int32(1), f.calls.Load())
	lockAbsent(t, kv, "hot")

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		CounterSubmitted: callers,
		CounterCacheHits: 0,
		CounterConflicts: callers - 1,
		CounterCompleted: 1,
		CounterFailed:    0,
	}, stats)
}

func TestCallerCancellationDoesNotAbortJob(t *testing.T) {
	gate := make(chan struct{})
	f := &countingFetcher{gate: gate, comments: sampleComments}
	o, _ := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	cancel()
	close(gate)
	o.Wait()

	job, err := o.GetJobStatus(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, job.State)
}

func TestJobTimeout(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{}), comments: sampleComments}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{JobTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	sub, err := o.Submit(ctx, "slow")
	require.NoError(t, err)
	o.Wait()

	job, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Contains(t, job.Details, context.DeadlineExceeded.Error())
	lockAbsent(t, kv, "slow")
}

func TestLongJobKeepsLock(t *testing.T) {
	gate := make(chan struct{})
	f := &countingFetcher{gate: gate, comments: sampleComments}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{LockTTL: 100 * time.Millisecond, JobTimeout: 5 * time.Second})
	ctx := context.Background()

	first, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	require.Equal(t, types.OutcomeAccepted, first.Outcome)

	// 超過 lock_ttl 數倍後鎖仍屬於第一個任務
	time.Sleep(350 * time.Millisecond)
	second, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeConflict, second.Outcome)

	holder, err := kv.Get(ctx, store.LockKey(LockResource("V1")))
	require.NoError(t, err)
	assert.Equal(t, string(first.JobID), string(holder))

	close(gate)
	o.Wait()
	job, err := o.GetJobStatus(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, job.State)
	lockAbsent(t, kv, "V1")
}

func TestLostLockCancelsJob(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{}), comments: sampleComments}
	o, kv := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{LockTTL: 60 * time.Millisecond, JobTimeout: 5 * time.Second})
	ctx := context.Background()

	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	waitForState(t, o, sub.JobID, types.StateProcessing, ProgressFetching)

	require.NoError(t, kv.Set(ctx, store.LockKey(LockResource("V1")), []byte("someone-else"), time.Minute))
	o.Wait()

	job, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Contains(t, job.Details, context.Canceled.Error())

	holder, err := kv.Get(ctx, store.LockKey(LockResource("V1")))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", string(holder), "the new holder keeps its lock")
}

func TestQueuedVisibleImmediately(t *testing.T) {
	gate := make(chan struct{})
	// The fetcher blocks, but the status must already exist when Submit returns
	f := &countingFetcher{gate: gate, comments: sampleComments}
	o, _ := newTestOrchestrator(t, f, gatedAnalyzer(nil), Config{})
	defer func() {
		close(gate)
		o.Wait()
	}()

	sub, err := o.Submit(context.Background(), "V1")
	require.NoError(t, err)

	job, err := o.GetJobStatus(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Contains(t, []types.JobState{types.StateQueued, types.StateProcessing}, job.State)
}

func TestNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, &countingFetcher{}, gatedAnalyzer(nil), Config{})
	ctx := context.Background()

	_, err := o.GetJobStatus(ctx, "analyze_nope_00000000")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = o.GetCachedResult(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = o.Submit(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyResource)

	assert.Error(t, o.PutCachedResult(ctx, "V1", json.RawMessage(`{not json`)))
}

func TestTerminalStatusExpires(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	kv := memory.New(memory.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	defer kv.Close()

	o := New(kv, &countingFetcher{comments: sampleComments}, gatedAnalyzer(nil), Config{StatusTTL: time.Minute})
	ctx := context.Background()

	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	o.Wait()

	first, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	second, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "terminal payload is stable across polls")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, err = o.GetJobStatus(ctx, sub.JobID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	o, _ := newTestOrchestrator(t, &countingFetcher{comments: sampleComments}, gatedAnalyzer(nil), Config{}, WithMetrics(m))
	ctx := context.Background()

	_, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	o.Wait()
	_, err = o.Submit(ctx, "V1")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "relay_submissions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "accepted and cached")

	count, err = testutil.GatherAndCount(reg, "relay_lock_acquire_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the cached submission never touched the lock")
}

func TestSubmitOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer rs.Close()

	o := New(rs, &countingFetcher{comments: sampleComments}, gatedAnalyzer(nil), Config{})
	ctx := context.Background()

	sub, err := o.Submit(ctx, "V1")
	require.NoError(t, err)
	o.Wait()

	job, err := o.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, job.State)

	assert.False(t, mr.Exists("lock:analyze:V1"))
	assert.True(t, mr.Exists("cache:v1:analysis:V1"))
	assert.Equal(t, 3600*time.Second, mr.TTL("job_status:"+string(sub.JobID)))
}
