package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/cache"
	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/collab/hashembed"
	"github.com/ChuLiYu/beaver-relay/internal/collab/memindex"
	"github.com/ChuLiYu/beaver-relay/internal/collab/statsanalyzer"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/recommend"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/memory"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// step slows the collaborators down so every status transition is visible.
const step = 200 * time.Millisecond

var sampleComments = map[string][]collab.Comment{
	"V1": {
		{Author: "alice", Text: "the guitar solo at the end is incredible", Likes: 42},
		{Author: "bob", Text: "best live guitar performance this year", Likes: 7},
		{Author: "carol", Text: "sound mixing could be better", Likes: 3},
	},
	"V2": {
		{Author: "dave", Text: "simple pasta recipe, tried it tonight", Likes: 12},
	},
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	kv := memory.New()
	defer kv.Close()

	fetcher := collab.FetcherFunc(func(ctx context.Context, id string) ([]collab.Comment, error) {
		time.Sleep(step)
		return sampleComments[id], nil
	})
	local := statsanalyzer.New(0, 0)
	analyzer := collab.AnalyzerFunc(func(ctx context.Context, id string, comments []collab.Comment) (collab.Analysis, error) {
		time.Sleep(step)
		return local.Analyze(ctx, id, comments)
	})

	orch := orchestrator.New(kv, fetcher, analyzer, orchestrator.DefaultConfig())
	defer orch.Wait()

	ctx := context.Background()

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           Beaver-Relay In-Memory Demo                     ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")

	// Scenario A + B: fresh submission, then a duplicate while it runs
	fmt.Println("\n▶ Scenario A: submit V1 with an empty cache")
	sub := mustSubmit(ctx, orch, "V1")
	fmt.Printf("  ✓ %s (job %s)\n", sub.Outcome, sub.JobID)

	fmt.Println("\n▶ Scenario B: submit V1 again while the first job runs")
	dup := mustSubmit(ctx, orch, "V1")
	fmt.Printf("  🔒 %s\n", dup.Outcome)

	job := follow(ctx, orch, sub.JobID)
	printResult(job.Result)
	fmt.Printf("  🔓 lock held after completion: %v\n", lockHeld(ctx, kv, "V1"))

	// Scenario C: the cache answers before any lock is requested
	fmt.Println("\n▶ Scenario C: pre-cached result for V3")
	if err := orch.PutCachedResult(ctx, "V3", json.RawMessage(`{"resource_id":"V3","comment_count":99,"summary":"precomputed"}`)); err != nil {
		log.Fatalf("Failed to seed cache: %v", err)
	}
	cached := mustSubmit(ctx, orch, "V3")
	fmt.Printf("  ⚡ %s: %s\n", cached.Outcome, cached.Result)

	// Scenario D: nothing to analyze
	fmt.Println("\n▶ Scenario D: V404 has no comments")
	failed := follow(ctx, orch, mustSubmit(ctx, orch, "V404").JobID)
	fmt.Printf("  ❌ %s\n", failed.Error)
	fmt.Printf("  🔓 lock held after failure: %v\n", lockHeld(ctx, kv, "V404"))

	runRecommendDemo(ctx, kv)

	stats, err := orch.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}
	fmt.Println("\n📊 Request counters:")
	for _, name := range orchestrator.Counters {
		fmt.Printf("  └─ %-10s %d\n", name+":", stats[name])
	}
	fmt.Println("\n═══════════════════════════════════════════════════════════")
}

// runRecommendDemo indexes two resources through the stream worker and asks
// for recommendations over a correlated call.
func runRecommendDemo(ctx context.Context, kv *memory.Store) {
	fmt.Println("\n▶ Recommendation over streams")

	ch := stream.New(kv, kv, stream.WithCallTimeout(5*time.Second))
	index := memindex.New()
	w, err := recommend.NewWorker(recommend.Deps{
		Channel:  ch,
		Store:    kv,
		Embedder: hashembed.New(1024),
		Index:    index,
		Analyzer: statsanalyzer.New(0, 0),
	}, recommend.WorkerConfig{TopK: 1})
	if err != nil {
		log.Fatalf("Failed to build worker: %v", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop, err := w.Start(wctx, "demo", "demo-1", worker.Config{WorkerCount: 2}, nil, stream.WithBlock(50*time.Millisecond))
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
	defer stop()

	client := recommend.NewClient(ch, kv, recommend.Streams{}, time.Minute)
	for id, comments := range sampleComments {
		text := ""
		for _, c := range comments {
			text += c.Text + " "
		}
		if _, err := client.IndexResource(ctx, id, text); err != nil {
			log.Fatalf("Failed to index %s: %v", id, err)
		}
	}
	for index.Len() < len(sampleComments) {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("  ✓ indexed %d resources\n", index.Len())

	users := cache.New[[]recommend.UserComment](kv, recommend.NamespaceComments, 0)
	if err := users.Put(ctx, "u1", []recommend.UserComment{{CommentText: "I love guitar solos"}}); err != nil {
		log.Fatalf("Failed to seed user comments: %v", err)
	}

	ids, err := client.Recommend(ctx, "u1")
	if err != nil {
		log.Fatalf("Recommend failed: %v", err)
	}
	fmt.Printf("  🎯 u1 → %v\n", ids)
}

func mustSubmit(ctx context.Context, orch *orchestrator.Orchestrator, resourceKey string) types.Submission {
	sub, err := orch.Submit(ctx, resourceKey)
	if err != nil {
		log.Fatalf("Submit %s failed: %v", resourceKey, err)
	}
	return sub
}

// follow prints each status transition until the job is terminal.
func follow(ctx context.Context, orch *orchestrator.Orchestrator, id types.JobID) types.Job {
	var last types.Job
	for {
		job, err := orch.GetJobStatus(ctx, id)
		if err != nil {
			log.Fatalf("Status of %s failed: %v", id, err)
		}
		if job.State != last.State || job.Progress != last.Progress {
			fmt.Printf("  📋 %-10s %3d%%  %s\n", job.State, job.Progress, job.Details)
			last = job
		}
		if job.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func printResult(raw json.RawMessage) {
	var a collab.Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		fmt.Printf("  result: %s\n", raw)
		return
	}
	fmt.Printf("  📈 %d comments, avg length %.1f\n", a.CommentCount, a.AverageLength)
	fmt.Printf("  📝 %s\n", a.Summary)
}

func lockHeld(ctx context.Context, kv store.KeyValueStore, resourceKey string) bool {
	_, err := kv.Get(ctx, store.LockKey(orchestrator.LockResource(resourceKey)))
	return err == nil
}
