// ============================================================================
// Beaver-Relay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and talking to beaver-relay
//
// Command Structure:
//   beaver-relay                   # Root command
//   ├── serve                      # Orchestrator + gRPC API (+ embedded stream workers)
//   ├── worker                     # Stream workers only (index / recommend / analyze)
//   ├── submit <resource>          # Submit an analysis job
//   │   └── --wait                # Poll until the job finishes
//   ├── status <job-id>            # Show a job's status
//   ├── result <resource>          # Show a cached analysis
//   ├── recommend <user>           # Recommend resources for a user
//   ├── index <resource>           # Queue a resource for embedding
//   ├── ingest <user>              # Fetch and store a user's comments
//   ├── stats                      # Show request counters
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --server, -s               # gRPC address for client commands
//   └── --version                  # Display version information
//
// serve Command:
//   1. Load config and initialize logging
//   2. Open the store backend (restoring the memory snapshot if configured)
//   3. Start metrics server and janitor (if enabled)
//   4. Start embedded workers (memory backend, or --embedded-worker)
//   5. Serve gRPC until SIGINT/SIGTERM
//
//   Graceful shutdown flow:
//   1. Stop accepting RPCs
//   2. Wait for running jobs (their locks are released as they finish)
//   3. Stop workers and janitor
//   4. Write final snapshot, close the store
//
// Client commands print JSON on stdout; logs go to stderr.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/server"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Version of the beaver-relay binary
const Version = "1.0.0"

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-relay",
		Short: "Beaver-Relay: async job coordination over a shared store",
		Long: `Beaver-Relay coordinates expensive analysis jobs between API servers and workers:
- Per-resource distributed locks with fencing tokens
- Pollable job status with expiry
- Cache-aside results
- Request/response RPC over streams`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "gRPC server address (default: server.addr from config)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResultCommand())
	rootCmd.AddCommand(buildRecommendCommand())
	rootCmd.AddCommand(buildIndexCommand())
	rootCmd.AddCommand(buildIngestCommand())
	rootCmd.AddCommand(buildStatsCommand())

	return rootCmd
}

// ============================================================================
// Server-side commands
// ============================================================================

func buildServeCommand() *cobra.Command {
	var embedded bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and gRPC API",
		Long:  "Start the job orchestrator behind the gRPC API. Stream workers run in-process with the memory backend or when --embedded-worker is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runServe(cfg, embedded || cfg.Store.Backend == config.BackendMemory)
		},
	}

	cmd.Flags().BoolVar(&embedded, "embedded-worker", false, "also run the stream workers in this process")
	return cmd
}

func runServe(cfg *config.Config, embedded bool) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := OpenRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Error("Failed to close runtime", "error", err)
		}
	}()

	orch, err := rt.Orchestrator()
	if err != nil {
		return err
	}

	var recs server.Recommender
	if c := rt.RecommendClient(); c != nil {
		recs = c
	}

	startMetrics(ctx, rt)

	if cfg.Janitor.Enabled {
		j, err := rt.Janitor()
		if err != nil {
			return err
		}
		if err := j.Start(ctx); err != nil {
			return err
		}
		defer j.Stop()
	}

	// Workers outlive the signal until running jobs finish, since remote
	// analysis depends on them
	workerCtx, stopWorkerCtx := context.WithCancel(context.Background())
	defer stopWorkerCtx()
	stopWorkers := func() {}
	if embedded {
		stopWorkers, err = rt.StartWorker(workerCtx)
		if err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		stopWorkers()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	g := server.NewGRPCServer(server.NewServer(orch, recs))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- g.Serve(lis)
	}()

	slog.Info("gRPC server listening",
		"addr", lis.Addr().String(),
		"backend", cfg.Store.Backend,
		"analysis", cfg.Analysis.Mode,
		"embedded_worker", embedded)

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully")
	case err = <-serveErr:
		slog.Error("gRPC server stopped", "error", err)
	}

	g.GracefulStop()
	orch.Wait()
	stopWorkerCtx()
	stopWorkers()

	slog.Info("Server stopped")
	return err
}

func buildWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the stream workers",
		Long:  "Consume the index, recommend and analyze streams as one member of the configured consumer group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
	return cmd
}

func runWorker(cfg *config.Config) error {
	if cfg.Store.Backend == config.BackendMemory {
		slog.Warn("Memory backend is private to this process; no producer can reach these workers")
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := OpenRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Error("Failed to close runtime", "error", err)
		}
	}()

	startMetrics(ctx, rt)

	stopWorkers, err := rt.StartWorker(ctx)
	if err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping workers")
	stopWorkers()
	return nil
}

func startMetrics(ctx context.Context, rt *Runtime) {
	if !rt.Config.Metrics.Enabled {
		return
	}
	addr := rt.Config.Metrics.Addr
	go func() {
		slog.Info("Starting metrics server", "addr", addr)
		if err := metrics.StartServer(ctx, addr, rt.Registry); err != nil {
			slog.Error("Metrics server error", "error", err)
		}
	}()
}

// ============================================================================
// Client commands
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <resource>",
		Short: "Submit an analysis job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				sub, err := c.SubmitJob(ctx, args[0])
				if err != nil {
					return err
				}
				if !wait || sub.Outcome != types.OutcomeAccepted {
					return printJSON(cmd.OutOrStdout(), sub)
				}
				job, err := waitForJob(ctx, c, sub.JobID, interval, timeout)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the job completes or fails")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval with --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	return cmd
}

func waitForJob(ctx context.Context, c *server.Client, id types.JobID, interval, timeout time.Duration) (types.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJobStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return types.Job{}, fmt.Errorf("waiting for %s: %w", id, ctx.Err())
			}
			return types.Job{}, err
		}
		if job.IsTerminal() {
			return job, nil
		}
		slog.Info("Job in progress", "job_id", id, "status", job.State, "progress", job.Progress)

		select {
		case <-ctx.Done():
			return job, fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.GetJobStatus(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result <resource>",
		Short: "Show the cached analysis of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				result, err := c.GetCachedResult(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func buildRecommendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend <user>",
		Short: "Recommend resources for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ids, err := c.Recommend(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ids)
			})
		},
	}
}

func buildIndexCommand() *cobra.Command {
	var text string

	cmd := &cobra.Command{
		Use:   "index <resource>",
		Short: "Queue a resource for embedding",
		Long:  "Queue a resource for embedding. Without --text the worker fetches the resource's comments.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				msgID, err := c.IndexResource(ctx, args[0], text)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"resource_key": args[0], "message_id": msgID})
			})
		},
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "text to embed")
	return cmd
}

func buildIngestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <user>",
		Short: "Fetch and store a user's comments for recommendation",
		Long:  "Fetch a user's comments from user_fetch.url_template and store them so the next recommend uses them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				n, err := c.IngestUserComments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": args[0], "comment_count": n})
			})
		},
	}
}

func buildStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show request counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func printStats(w io.Writer, stats map[string]int64) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Beaver-Relay Request Counters                   ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Requests:")
	fmt.Fprintf(w, "  ├─ Submitted:       %d\n", stats[orchestrator.CounterSubmitted])
	fmt.Fprintf(w, "  ├─ ⚡ Cache hits:    %d\n", stats[orchestrator.CounterCacheHits])
	fmt.Fprintf(w, "  ├─ 🔒 Conflicts:     %d\n", stats[orchestrator.CounterConflicts])
	fmt.Fprintf(w, "  ├─ ✅ Completed:     %d\n", stats[orchestrator.CounterCompleted])
	fmt.Fprintf(w, "  └─ ❌ Failed:        %d\n", stats[orchestrator.CounterFailed])
	fmt.Fprintln(w)

	if submitted := stats[orchestrator.CounterSubmitted]; submitted > 0 {
		hitRate := float64(stats[orchestrator.CounterCacheHits]) / float64(submitted) * 100
		fmt.Fprintf(w, "📈 Cache Hit Rate: %.1f%%\n", hitRate)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

// ============================================================================
// Helpers
// ============================================================================

// withClient dials the server for one command. The config file only
// supplies the address here, so a missing file falls back to defaults.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		addr = cfg.Server.Addr
	}

	conn, err := grpc.NewClient(dialAddr(addr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, server.NewClient(conn))
}

// dialAddr turns a listen address such as ":50051" into a dialable one.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	config.InitLogger(cfg)
	return cfg, nil
}
