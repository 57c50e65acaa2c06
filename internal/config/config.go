// Package config loads the beaver-relay configuration: a YAML file with
// defaults for every field, overridden by BEAVER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-relay/internal/collab/httpfetch"
	"github.com/ChuLiYu/beaver-relay/internal/janitor"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/recommend"
	"github.com/ChuLiYu/beaver-relay/internal/storage/wal"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/store/mongostore"
	"github.com/ChuLiYu/beaver-relay/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
)

// DefaultPath is where the CLI looks for the config file.
const DefaultPath = "configs/default.yaml"

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Analysis modes
const (
	AnalysisLocal  = "local"
	AnalysisRemote = "remote"
)

// Config holds all application configuration
type Config struct {
	Store        StoreConfig         `yaml:"store"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Stream       StreamConfig        `yaml:"stream"`
	Worker       WorkerConfig        `yaml:"worker"`
	Analysis     AnalysisConfig      `yaml:"analysis"`
	Recommend    RecommendConfig     `yaml:"recommend"`
	Fetch        httpfetch.Config    `yaml:"fetch"`
	UserFetch    httpfetch.Config    `yaml:"user_fetch"` // {id} is the user id
	Janitor      JanitorConfig       `yaml:"janitor"`
	Server       ServerConfig        `yaml:"server"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Log          LogConfig           `yaml:"log"`
}

// StoreConfig selects and configures the shared store.
type StoreConfig struct {
	Backend  string            `yaml:"backend"`
	Redis    redisstore.Config `yaml:"redis"`
	Mongo    mongostore.Config `yaml:"mongo"`
	Snapshot SnapshotConfig    `yaml:"snapshot"`
	Journal  JournalConfig     `yaml:"journal"`
}

// SnapshotConfig persists the memory backend between runs. An empty path
// disables snapshots.
type SnapshotConfig struct {
	Path    string `yaml:"path"`
	Backups int    `yaml:"backups"`
}

// JournalConfig records every memory-backend mutation between snapshots.
// An empty path disables the journal.
type JournalConfig struct {
	Path        string `yaml:"path"`
	wal.Options `yaml:",inline"`
}

// StreamConfig tunes request/response calls over streams.
type StreamConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	ReplyTTL    time.Duration `yaml:"reply_ttl"`
	PollBlock   time.Duration `yaml:"poll_block"`
}

// WorkerConfig configures the stream workers.
type WorkerConfig struct {
	worker.Config `yaml:",inline"`
	Group         string `yaml:"group"`
	Consumer      string `yaml:"consumer"`
}

// AnalysisConfig chooses where comment analysis runs. In remote mode the
// orchestrator sends comments to a worker over the analyze stream.
type AnalysisConfig struct {
	Mode        string `yaml:"mode"`
	TopKeywords int    `yaml:"top_keywords"`
	TopAuthors  int    `yaml:"top_authors"`
}

// RecommendConfig configures indexing and recommendation.
type RecommendConfig struct {
	Streams  recommend.Streams `yaml:"streams"`
	TopK     int               `yaml:"top_k"`
	EmbedDim int               `yaml:"embed_dim"`
	CacheTTL time.Duration     `yaml:"cache_ttl"`
}

// JanitorConfig schedules periodic housekeeping.
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// ServerConfig configures the gRPC listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig is passed to InitLogger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker-1"
	}
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis: redisstore.Config{
				Addr:        "localhost:6379",
				PoolSize:         10,
				DialTimeout:      5 * time.Second,
				BlockingPoolSize: redisstore.DefaultBlockingPoolSize,
			},
			Mongo: mongostore.Config{
				URI:     "mongodb://localhost:27017",
				DB:      "beaver_relay",
				Timeout: 10 * time.Second,
			},
			Snapshot: SnapshotConfig{Backups: 3},
			Journal: JournalConfig{Options: wal.Options{
				BatchSize:     wal.DefaultBatchSize,
				FlushInterval: wal.DefaultFlushInterval,
			}},
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Stream: StreamConfig{
			CallTimeout: stream.DefaultCallTimeout,
			ReplyTTL:    store.DefaultReplyTTL,
			PollBlock:   stream.DefaultPollBlock,
		},
		Worker: WorkerConfig{
			Config: worker.Config{
				WorkerCount:  4,
				BatchSize:    8,
				TaskTimeout:  time.Minute,
				ErrorBackoff: time.Second,
			},
			Group:    "beaver-workers",
			Consumer: host,
		},
		Analysis: AnalysisConfig{
			Mode:        AnalysisLocal,
			TopKeywords: 5,
			TopAuthors:  3,
		},
		Recommend: RecommendConfig{
			Streams:  recommend.DefaultStreams(),
			TopK:     recommend.DefaultTopK,
			EmbedDim: 256,
			CacheTTL: time.Hour,
		},
		Fetch:     httpfetch.DefaultConfig(),
		UserFetch: httpfetch.DefaultConfig(),
		Janitor: JanitorConfig{Enabled: true, Schedule: janitor.DefaultSchedule},
		Server:  ServerConfig{Addr: ":50051"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path on top of the defaults and applies environment
// overrides. A missing file at DefaultPath is not an error; any other
// missing path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
			slog.Debug("Config file not found, using defaults", "path", path)
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Backend = getEnv("BEAVER_STORE_BACKEND", c.Store.Backend)
	c.Store.Redis.Addr = getEnv("BEAVER_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("BEAVER_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.Redis.DB = getIntEnv("BEAVER_REDIS_DB", c.Store.Redis.DB)
	c.Store.Mongo.URI = getEnv("BEAVER_MONGO_URI", c.Store.Mongo.URI)
	c.Store.Mongo.DB = getEnv("BEAVER_MONGO_DATABASE", c.Store.Mongo.DB)
	c.Store.Snapshot.Path = getEnv("BEAVER_SNAPSHOT_PATH", c.Store.Snapshot.Path)
	c.Store.Journal.Path = getEnv("BEAVER_JOURNAL_PATH", c.Store.Journal.Path)
	c.Store.Journal.SyncOnAppend = getBoolEnv("BEAVER_JOURNAL_SYNC", c.Store.Journal.SyncOnAppend)

	c.Orchestrator.JobTimeout = getDurationEnv("BEAVER_JOB_TIMEOUT", c.Orchestrator.JobTimeout)
	c.Orchestrator.CacheTTL = getDurationEnv("BEAVER_CACHE_TTL", c.Orchestrator.CacheTTL)
	c.Stream.CallTimeout = getDurationEnv("BEAVER_CALL_TIMEOUT", c.Stream.CallTimeout)

	c.Worker.WorkerCount = getIntEnv("BEAVER_WORKER_COUNT", c.Worker.WorkerCount)
	c.Worker.Group = getEnv("BEAVER_WORKER_GROUP", c.Worker.Group)
	c.Worker.Consumer = getEnv("BEAVER_WORKER_CONSUMER", c.Worker.Consumer)

	c.Analysis.Mode = getEnv("BEAVER_ANALYSIS_MODE", c.Analysis.Mode)
	c.Fetch.URLTemplate = getEnv("BEAVER_FETCH_URL_TEMPLATE", c.Fetch.URLTemplate)
	c.UserFetch.URLTemplate = getEnv("BEAVER_USER_FETCH_URL_TEMPLATE", c.UserFetch.URLTemplate)

	c.Janitor.Enabled = getBoolEnv("BEAVER_JANITOR_ENABLED", c.Janitor.Enabled)
	c.Server.Addr = getEnv("BEAVER_SERVER_ADDR", c.Server.Addr)
	c.Metrics.Enabled = getBoolEnv("BEAVER_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("BEAVER_METRICS_ADDR", c.Metrics.Addr)
	c.Log.Level = getEnv("BEAVER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("BEAVER_LOG_FORMAT", c.Log.Format)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	case BackendMongo:
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be one of memory, redis, mongo", c.Store.Backend))
	}

	if c.Store.Journal.Path != "" && c.Store.Journal.Path == c.Store.Snapshot.Path {
		errs = append(errs, errors.New("store.journal.path must differ from store.snapshot.path"))
	}
	if c.Store.Journal.BatchSize < 0 || c.Store.Journal.FlushInterval < 0 {
		errs = append(errs, errors.New("store.journal batch_size and flush_interval must not be negative"))
	}

	switch c.Analysis.Mode {
	case AnalysisLocal:
	case AnalysisRemote:
		if c.Store.Backend == BackendMongo {
			errs = append(errs, errors.New("analysis.mode remote needs a backend with streams (memory or redis)"))
		}
	default:
		errs = append(errs, fmt.Errorf("analysis.mode %q must be local or remote", c.Analysis.Mode))
	}

	if c.Orchestrator.LockTTL <= 0 {
		errs = append(errs, errors.New("orchestrator.lock_ttl must be positive"))
	}
	if c.Orchestrator.JobTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.job_timeout must not be negative"))
	}
	if c.Orchestrator.CacheTTL < 0 {
		errs = append(errs, errors.New("orchestrator.cache_ttl must not be negative"))
	}
	if c.Stream.CallTimeout <= 0 {
		errs = append(errs, errors.New("stream.call_timeout must be positive"))
	}
	if c.Worker.WorkerCount < 1 {
		errs = append(errs, errors.New("worker.worker_count must be at least 1"))
	}
	if c.Worker.Group == "" || c.Worker.Consumer == "" {
		errs = append(errs, errors.New("worker.group and worker.consumer are required"))
	}
	if c.Recommend.TopK < 1 {
		errs = append(errs, errors.New("recommend.top_k must be at least 1"))
	}
	if c.Recommend.EmbedDim < 1 {
		errs = append(errs, errors.New("recommend.embed_dim must be at least 1"))
	}
	if c.Fetch.URLTemplate != "" && !strings.Contains(c.Fetch.URLTemplate, "{id}") {
		errs = append(errs, errors.New("fetch.url_template must contain {id}"))
	}
	if c.UserFetch.URLTemplate != "" && !strings.Contains(c.UserFetch.URLTemplate, "{id}") {
		errs = append(errs, errors.New("user_fetch.url_template must contain {id}"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("Invalid integer value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or whole seconds ("90").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		slog.Warn("Invalid duration value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		slog.Warn("Invalid boolean value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}
