package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/collab/hashembed"
	"github.com/ChuLiYu/beaver-relay/internal/collab/httpfetch"
	"github.com/ChuLiYu/beaver-relay/internal/collab/memindex"
	"github.com/ChuLiYu/beaver-relay/internal/collab/statsanalyzer"
	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/janitor"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/recommend"
	"github.com/ChuLiYu/beaver-relay/internal/snapshot"
	"github.com/ChuLiYu/beaver-relay/internal/storage/wal"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/memory"
	"github.com/ChuLiYu/beaver-relay/internal/store/mongostore"
	"github.com/ChuLiYu/beaver-relay/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
)

// Runtime holds the components shared by the serve and worker commands.
type Runtime struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	KV      store.KeyValueStore
	Streams store.StreamLog // nil on the mongo backend
	Channel *stream.Channel // nil on the mongo backend
	Fetcher collab.Fetcher
	Users   collab.Fetcher // nil when user_fetch.url_template is empty

	memory   *memory.Store
	mongo    *mongostore.Store
	snapshot *snapshot.Manager
	journal  *wal.WAL
}

// errNoFetcher is returned by the placeholder fetcher when
// fetch.url_template is empty.
var errNoFetcher = fmt.Errorf("%w: fetch.url_template is not configured", collab.ErrUpstream)

// OpenRuntime connects to the configured backend. A memory backend is
// restored from its last snapshot and then from the journal, when those
// paths are set.
func OpenRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{
		Config:   cfg,
		Registry: reg,
		Metrics:  metrics.NewCollector(reg),
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		s, err := rt.openMemory()
		if err != nil {
			return nil, err
		}
		rt.memory = s
		rt.KV, rt.Streams = s, s
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		rt.KV, rt.Streams = s, s
	case config.BackendMongo:
		s, err := mongostore.Open(ctx, cfg.Store.Mongo)
		if err != nil {
			return nil, err
		}
		rt.mongo = s
		rt.KV = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if rt.Streams != nil {
		rt.Channel = stream.New(rt.Streams, rt.KV,
			stream.WithCallTimeout(cfg.Stream.CallTimeout),
			stream.WithReplyTTL(cfg.Stream.ReplyTTL),
			stream.WithMetrics(rt.Metrics),
		)
	}

	if cfg.Fetch.URLTemplate != "" {
		f, err := httpfetch.New(cfg.Fetch, nil)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Fetcher = f
	} else {
		rt.Fetcher = collab.FetcherFunc(func(context.Context, string) ([]collab.Comment, error) {
			return nil, errNoFetcher
		})
	}
	if cfg.UserFetch.URLTemplate != "" {
		f, err := httpfetch.New(cfg.UserFetch, nil)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("user_fetch: %w", err)
		}
		rt.Users = f
	}

	slog.Info("Store opened", "backend", cfg.Store.Backend)
	return rt, nil
}

func (r *Runtime) openMemory() (*memory.Store, error) {
	cfg := r.Config.Store
	data := snapshot.Empty()
	if cfg.Snapshot.Path != "" {
		r.snapshot = snapshot.NewManager(cfg.Snapshot.Path)
		loaded, err := r.snapshot.Load()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		data = loaded
	}
	if cfg.Journal.Path != "" {
		j, err := wal.Open(cfg.Journal.Path, cfg.Journal.Options)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		r.journal = j
	}

	s := memory.New()
	replayed, err := s.Recover(data, r.journal)
	if err != nil {
		s.Close()
		if r.journal != nil {
			r.journal.Close()
		}
		return nil, fmt.Errorf("recover memory store: %w", err)
	}
	if r.journal != nil {
		s.AttachJournal(r.journal)
	}
	if r.snapshot != nil || r.journal != nil {
		slog.Info("Restored memory store",
			"snapshot", cfg.Snapshot.Path,
			"entries", len(data.Entries),
			"journal", cfg.Journal.Path,
			"replayed", replayed)
	}
	return s, nil
}

// Orchestrator builds the job orchestrator. In remote analysis mode the
// analysis runs on a worker behind the analyze stream.
func (r *Runtime) Orchestrator() (*orchestrator.Orchestrator, error) {
	var analyzer collab.Analyzer = r.localAnalyzer()
	if r.Config.Analysis.Mode == config.AnalysisRemote {
		if r.Channel == nil {
			return nil, errors.New("remote analysis needs a backend with streams")
		}
		analyzer = recommend.NewRemoteAnalyzer(r.Channel, r.Config.Recommend.Streams.Analyze)
	}
	return orchestrator.New(r.KV, r.Fetcher, analyzer, r.Config.Orchestrator, orchestrator.WithMetrics(r.Metrics)), nil
}

// RecommendClient builds the producer side of the recommendation bridge,
// or returns nil when the backend has no streams.
func (r *Runtime) RecommendClient() *recommend.Client {
	if r.Channel == nil {
		return nil
	}
	var opts []recommend.ClientOption
	if r.Users != nil {
		opts = append(opts, recommend.WithUserFetcher(r.Users))
	}
	return recommend.NewClient(r.Channel, r.KV, r.Config.Recommend.Streams, r.Config.Recommend.CacheTTL, opts...)
}

// Worker builds the stream worker handlers with the default embedder and
// an in-process vector index.
func (r *Runtime) Worker() (*recommend.Worker, error) {
	if r.Channel == nil {
		return nil, errors.New("stream workers need a backend with streams (memory or redis)")
	}
	return recommend.NewWorker(recommend.Deps{
		Channel:  r.Channel,
		Store:    r.KV,
		Embedder: hashembed.New(r.Config.Recommend.EmbedDim),
		Index:    memindex.New(),
		Analyzer: r.localAnalyzer(),
		Fetcher:  r.Fetcher,
	}, recommend.WorkerConfig{
		TopK:            r.Config.Recommend.TopK,
		ResultNamespace: r.Config.Orchestrator.Namespace,
		Streams:         r.Config.Recommend.Streams,
	})
}

// StartWorker starts the stream consumers and returns their stop func.
func (r *Runtime) StartWorker(ctx context.Context) (func(), error) {
	w, err := r.Worker()
	if err != nil {
		return nil, err
	}
	wc := r.Config.Worker
	return w.Start(ctx, wc.Group, wc.Consumer, wc.Config, r.Metrics, stream.WithBlock(r.Config.Stream.PollBlock))
}

// Janitor registers the housekeeping tasks that apply to the backend.
func (r *Runtime) Janitor() (*janitor.Janitor, error) {
	j, err := janitor.New(r.Config.Janitor.Schedule, r.Metrics)
	if err != nil {
		return nil, err
	}
	if r.memory != nil {
		j.Add("memory-purge", janitor.MemoryPurge(r.memory))
		if r.snapshot != nil {
			j.Add("memory-snapshot", janitor.MemorySnapshot(r.memory, r.snapshot, r.Config.Store.Snapshot.Backups, r.journal))
		}
	}
	if r.mongo != nil {
		j.Add("mongo-purge", janitor.MongoPurge(r.mongo))
	}
	return j, nil
}

// Close writes a final snapshot of the memory backend, closes the store
// and flushes the journal.
func (r *Runtime) Close() error {
	var errs []error
	if r.memory != nil && r.snapshot != nil {
		final := janitor.MemorySnapshot(r.memory, r.snapshot, r.Config.Store.Snapshot.Backups, r.journal)
		if _, err := final(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}
	if r.KV != nil {
		if err := r.KV.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) localAnalyzer() *statsanalyzer.Analyzer {
	return statsanalyzer.New(r.Config.Analysis.TopKeywords, r.Config.Analysis.TopAuthors)
}
