// ============================================================================
// Beaver-Relay Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput and restore-time tests
//
// Test Objectives:
//   1. verify job throughput with local analysis (jobs/second)
//   2. verify throughput with analysis delegated to stream workers
//   3. verify restoring a memory snapshot stays fast (< 3 second target)
//
// TestSystemThroughput:
//   - submit 200 distinct resources concurrently on the memory backend
//   - fetch latency 20ms per resource
//   - target: >= 20 jobs/s, every job completed, no lock left behind
//
// TestRemoteAnalysisThroughput:
//   - orchestrator and 4 stream workers share one Redis (miniredis)
//   - analysis travels over the analyze stream as a correlated call
//   - target: every job completed, analyze stream drained
//
// TestSnapshotRestorePerformance:
//   - 5000 cached results + statuses written, snapshotted, restored
//   - target: < 3 seconds
//
// Notes:
//   - test results affected by system load
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/collab/hashembed"
	"github.com/ChuLiYu/beaver-relay/internal/collab/memindex"
	"github.com/ChuLiYu/beaver-relay/internal/collab/statsanalyzer"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/recommend"
	"github.com/ChuLiYu/beaver-relay/internal/snapshot"
	"github.com/ChuLiYu/beaver-relay/internal/store/memory"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

func submitAll(t *testing.T, o *orchestrator.Orchestrator, resources []string) []types.JobID {
	t.Helper()
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids []types.JobID
		wg  sync.WaitGroup
	)
	for _, r := range resources {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			sub, err := o.Submit(ctx, r)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, types.OutcomeAccepted, sub.Outcome, "resource %s", r)
			mu.Lock()
			ids = append(ids, sub.JobID)
			mu.Unlock()
		}(r)
	}
	wg.Wait()
	return ids
}

func resources(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

// TestSystemThroughput tests system throughput
func TestSystemThroughput(t *testing.T) {
	kv := memory.New()
	defer kv.Close()

	o := orchestrator.New(kv, commentFetcher(20*time.Millisecond), statsanalyzer.New(0, 0), orchestrator.DefaultConfig())
	defer o.Wait()

	totalJobs := 200
	keys := resources("perf-", totalJobs)

	startTime := time.Now()
	ids := submitAll(t, o, keys)
	require.Len(t, ids, totalJobs)

	jobs := waitTerminal(t, o, ids, 30*time.Second)
	elapsedTime := time.Since(startTime)
	o.Wait() // locks are released after the terminal status is written

	completed := 0
	for _, j := range jobs {
		if j.State == types.StateCompleted {
			completed++
		}
	}
	throughput := float64(completed) / elapsedTime.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Completed: %d", completed)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f jobs/second", throughput)
	t.Logf("================================")

	assert.Equal(t, totalJobs, completed)
	assert.GreaterOrEqual(t, throughput, 20.0, "throughput below target")
	assert.Zero(t, lockCount(t, kv, keys), "every lock is released")

	stats, err := o.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(totalJobs), stats[orchestrator.CounterCompleted])
}

// TestRemoteAnalysisThroughput runs analysis on stream workers over Redis.
func TestRemoteAnalysisThroughput(t *testing.T) {
	rs, _ := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := stream.New(rs, rs, stream.WithCallTimeout(10*time.Second))
	w, err := recommend.NewWorker(recommend.Deps{
		Channel:  ch,
		Store:    rs,
		Embedder: hashembed.New(64),
		Index:    memindex.New(),
		Analyzer: statsanalyzer.New(0, 0),
	}, recommend.WorkerConfig{})
	require.NoError(t, err)

	stop, err := w.Start(ctx, "analyzers", "w1", worker.Config{WorkerCount: 4}, nil, stream.WithBlock(50*time.Millisecond))
	require.NoError(t, err)
	defer stop()

	o := orchestrator.New(rs, commentFetcher(0), recommend.NewRemoteAnalyzer(ch, ""), orchestrator.DefaultConfig())
	defer o.Wait()

	keys := resources("remote-", 50)
	startTime := time.Now()
	ids := submitAll(t, o, keys)
	jobs := waitTerminal(t, o, ids, 30*time.Second)
	t.Logf("50 remote analyses in %v", time.Since(startTime))
	o.Wait()

	for id, j := range jobs {
		assert.Equal(t, types.StateCompleted, j.State, "job %s: %s", id, j.Error)
	}
	assert.Zero(t, lockCount(t, rs, keys))

	assert.Eventually(t, func() bool {
		n, err := rs.Len(ctx, recommend.DefaultAnalyzeStream)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond, "answered requests are removed from the stream")
}

// TestSnapshotRestorePerformance tests restore time of a large memory snapshot
func TestSnapshotRestorePerformance(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	o := orchestrator.New(kv, commentFetcher(0), statsanalyzer.New(0, 0), orchestrator.DefaultConfig())

	const entries = 5000
	for i := 0; i < entries; i++ {
		require.NoError(t, o.PutCachedResult(ctx, fmt.Sprintf("BV%d", i), []byte(`{"comment_count":1}`)))
	}

	mgr := snapshot.NewManager(filepath.Join(t.TempDir(), "relay.json"))
	require.NoError(t, mgr.Write(kv.Snapshot()))
	kv.Close()

	startTime := time.Now()
	data, err := mgr.Load()
	require.NoError(t, err)
	restored := memory.New()
	defer restored.Close()
	require.NoError(t, restored.Restore(data))
	recoveryTime := time.Since(startTime)

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Entries restored: %d", len(data.Entries))
	t.Logf("===========================")

	assert.Less(t, recoveryTime, 3*time.Second)

	again := orchestrator.New(restored, commentFetcher(0), statsanalyzer.New(0, 0), orchestrator.DefaultConfig())
	result, err := again.GetCachedResult(ctx, "BV4999")
	require.NoError(t, err)
	assert.JSONEq(t, `{"comment_count":1}`, string(result))
}
