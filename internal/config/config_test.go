package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 300*time.Second, cfg.Orchestrator.LockTTL)
	assert.Equal(t, 3600*time.Second, cfg.Orchestrator.StatusTTL)
	assert.Zero(t, cfg.Orchestrator.CacheTTL, "analysis results do not expire by default")
	assert.Equal(t, "streams_vector_tuijian", cfg.Recommend.Streams.Recommend)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
  redis:
    addr: redis:6379
orchestrator:
  job_timeout: 90s
  cache_ttl: 24h
worker:
  worker_count: 8
  task_timeout: 5s
  group: analyzers
analysis:
  mode: remote
fetch:
  url_template: https://api.example.com/replies?oid={id}
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.JobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Orchestrator.CacheTTL)
	assert.Equal(t, 8, cfg.Worker.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, "analyzers", cfg.Worker.Group)
	assert.Equal(t, AnalysisRemote, cfg.Analysis.Mode)
	assert.Equal(t, "json", cfg.Log.Format)

	// Fields absent from the file keep their defaults
	assert.Equal(t, 300*time.Second, cfg.Orchestrator.LockTTL)
	assert.Equal(t, "$.data.replies", cfg.Fetch.ItemsPath)
	assert.Equal(t, 8, cfg.Worker.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "store: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BEAVER_STORE_BACKEND", "mongo")
	t.Setenv("BEAVER_MONGO_URI", "mongodb://db:27017")
	t.Setenv("BEAVER_JOB_TIMEOUT", "45")
	t.Setenv("BEAVER_CALL_TIMEOUT", "2s")
	t.Setenv("BEAVER_WORKER_COUNT", "not-a-number")
	t.Setenv("BEAVER_METRICS_ENABLED", "false")

	cfg, err := Load(writeConfig(t, "worker:\n  worker_count: 3\n"))
	require.NoError(t, err)

	assert.Equal(t, BackendMongo, cfg.Store.Backend)
	assert.Equal(t, "mongodb://db:27017", cfg.Store.Mongo.URI)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.JobTimeout)
	assert.Equal(t, 2*time.Second, cfg.Stream.CallTimeout)
	assert.Equal(t, 3, cfg.Worker.WorkerCount, "invalid override keeps the file value")
	assert.False(t, cfg.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"unknown analysis mode", func(c *Config) { c.Analysis.Mode = "gpu" }, "analysis.mode"},
		{"remote analysis on mongo", func(c *Config) { c.Store.Backend = BackendMongo; c.Analysis.Mode = AnalysisRemote }, "needs a backend with streams"},
		{"zero lock ttl", func(c *Config) { c.Orchestrator.LockTTL = 0 }, "lock_ttl"},
		{"no workers", func(c *Config) { c.Worker.WorkerCount = 0 }, "worker_count"},
		{"template without id", func(c *Config) { c.Fetch.URLTemplate = "https://x/replies" }, "{id}"},
		{"user template without id", func(c *Config) { c.UserFetch.URLTemplate = "https://x/user" }, "user_fetch.url_template"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
		{"journal on snapshot path", func(c *Config) { c.Store.Snapshot.Path = "data/relay"; c.Store.Journal.Path = "data/relay" }, "store.journal.path"},
		{"negative journal interval", func(c *Config) { c.Store.Journal.FlushInterval = -time.Second }, "flush_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "etcd"
	cfg.Recommend.TopK = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "store.backend")
	assert.ErrorContains(t, err, "recommend.top_k")
}

func TestRepositoryDefaultConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Store.Journal.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.Journal.FlushInterval)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "j1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
}
