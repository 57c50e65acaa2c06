package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// commentFetcher returns a few generated comments per resource after an
// optional delay.
func commentFetcher(delay time.Duration) collab.Fetcher {
	return collab.FetcherFunc(func(ctx context.Context, id string) ([]collab.Comment, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []collab.Comment{
			{Author: "alice", Text: fmt.Sprintf("first comment on %s", id), Likes: 3},
			{Author: "bob", Text: fmt.Sprintf("another view of %s", id), Likes: 1},
		}, nil
	})
}

// newRedisStore starts an in-process Redis and returns a store on it.
func newRedisStore(t testing.TB) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

// waitTerminal polls until every job is completed or failed.
func waitTerminal(t testing.TB, o *orchestrator.Orchestrator, ids []types.JobID, timeout time.Duration) map[types.JobID]types.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	done := make(map[types.JobID]types.Job, len(ids))

	for time.Now().Before(deadline) {
		for _, id := range ids {
			if _, ok := done[id]; ok {
				continue
			}
			job, err := o.GetJobStatus(ctx, id)
			require.NoError(t, err)
			if job.IsTerminal() {
				done[id] = job
			}
		}
		if len(done) == len(ids) {
			return done
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("only %d/%d jobs finished within %v", len(done), len(ids), timeout)
	return nil
}

// lockCount counts lock keys still present for the given resources.
func lockCount(t testing.TB, kv store.KeyValueStore, resources []string) int {
	t.Helper()
	n := 0
	for _, r := range resources {
		_, err := kv.Get(context.Background(), store.LockKey(orchestrator.LockResource(r)))
		if err == nil {
			n++
		}
	}
	return n
}
