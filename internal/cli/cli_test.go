package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/collab/statsanalyzer"
	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/recommend"
	"github.com/ChuLiYu/beaver-relay/internal/server"
	"github.com/ChuLiYu/beaver-relay/internal/store/memory"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "beaver-relay", cmd.Use, "Root command should be 'beaver-relay'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"serve", "worker", "submit", "status", "result", "recommend", "index", "ingest", "stats"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"), "Should have --server flag")
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.Flags().Lookup("embedded-worker"))
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit <resource>", cmd.Use)
	waitFlag := cmd.Flags().Lookup("wait")
	require.NotNil(t, waitFlag, "Should have --wait flag")
	assert.Equal(t, "w", waitFlag.Shorthand)
	assert.Error(t, cmd.Args(cmd, nil), "resource argument is required")
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "localhost:50051", dialAddr(":50051"))
	assert.Equal(t, "relay:50051", dialAddr("relay:50051"))
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoadConfig_InvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: etcd\n"), 0644))

	_, err := loadConfig(path)
	assert.ErrorContains(t, err, "store.backend")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, map[string]int64{
		orchestrator.CounterSubmitted: 4,
		orchestrator.CounterCacheHits: 1,
		orchestrator.CounterCompleted: 3,
	})

	out := buf.String()
	assert.Contains(t, out, "Submitted:       4")
	assert.Contains(t, out, "Cache Hit Rate: 25.0%")
}

// startTestServer serves an in-memory orchestrator on a loopback port.
func startTestServer(t *testing.T) string {
	t.Helper()
	kv := memory.New()
	t.Cleanup(func() { kv.Close() })

	fetcher := collab.FetcherFunc(func(ctx context.Context, id string) ([]collab.Comment, error) {
		return []collab.Comment{{Author: "alice", Text: "lovely melody", Likes: 2}}, nil
	})
	orch := orchestrator.New(kv, fetcher, statsanalyzer.New(0, 0), orchestrator.DefaultConfig())
	t.Cleanup(orch.Wait)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := server.NewGRPCServer(server.NewServer(orch, nil))
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	return lis.Addr().String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	addr := startTestServer(t)
	cfgPath := filepath.Join("..", "..", config.DefaultPath)

	out, err := execute(t, "-c", cfgPath, "-s", addr, "submit", "BV1", "--wait", "--interval", "10ms")
	require.NoError(t, err)
	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, types.StateCompleted, job.State)

	out, err = execute(t, "-c", cfgPath, "-s", addr, "status", string(job.ID))
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)

	out, err = execute(t, "-c", cfgPath, "-s", addr, "submit", "BV1")
	require.NoError(t, err)
	var sub types.Submission
	require.NoError(t, json.Unmarshal([]byte(out), &sub))
	assert.Equal(t, types.OutcomeCached, sub.Outcome)

	out, err = execute(t, "-c", cfgPath, "-s", addr, "result", "BV1")
	require.NoError(t, err)
	assert.Contains(t, out, `"comment_count": 1`)

	out, err = execute(t, "-c", cfgPath, "-s", addr, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Submitted:       2")

	_, err = execute(t, "-c", cfgPath, "-s", addr, "status", "analyze_missing_00000000")
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestWaitForJobTimesOut(t *testing.T) {
	kv := memory.New()
	defer kv.Close()

	gate := make(chan struct{})
	fetcher := collab.FetcherFunc(func(ctx context.Context, id string) ([]collab.Comment, error) {
		<-gate
		return []collab.Comment{{Text: "late"}}, nil
	})
	orch := orchestrator.New(kv, fetcher, statsanalyzer.New(0, 0), orchestrator.DefaultConfig())
	defer orch.Wait()
	defer close(gate)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := server.NewGRPCServer(server.NewServer(orch, nil))
	go func() { _ = g.Serve(lis) }()
	defer g.Stop()

	_, err = execute(t, "-s", lis.Addr().String(), "submit", "BV1", "--wait", "--interval", "10ms", "--timeout", "100ms")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIngestCommand(t *testing.T) {
	kv := memory.New()
	defer kv.Close()

	users := collab.FetcherFunc(func(ctx context.Context, uid string) ([]collab.Comment, error) {
		return []collab.Comment{{Text: "great guitar"}, {Text: "more rock please"}}, nil
	})
	recs := recommend.NewClient(stream.New(kv, kv), kv, recommend.Streams{}, 0, recommend.WithUserFetcher(users))
	orch := orchestrator.New(kv, users, statsanalyzer.New(0, 0), orchestrator.DefaultConfig())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := server.NewGRPCServer(server.NewServer(orch, recs))
	go func() { _ = g.Serve(lis) }()
	defer g.Stop()

	out, err := execute(t, "-s", lis.Addr().String(), "ingest", "42")
	require.NoError(t, err)
	assert.Contains(t, out, `"comment_count": 2`)

	_, err = kv.Get(context.Background(), "cache:v1:comments:42")
	assert.NoError(t, err)
}
