package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/config"
)

func memoryConfig(t *testing.T, snapshotPath, journalPath string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Snapshot.Path = snapshotPath
	cfg.Store.Journal.Path = journalPath
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOpenRuntimeReplaysJournalAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := memoryConfig(t, filepath.Join(dir, "relay.json"), filepath.Join(dir, "relay.wal"))

	rt1, err := OpenRuntime(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, rt1.KV.Set(ctx, "before", []byte("1"), 0))

	j, err := rt1.Janitor()
	require.NoError(t, err)
	_, err = j.RunOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, rt1.KV.Set(ctx, "after", []byte("2"), 0))
	_, err = rt1.KV.Incr(ctx, "stats:submitted")
	require.NoError(t, err)
	// 模擬崩潰：日誌已落盤，但沒有最後一次快照
	require.NoError(t, rt1.journal.Flush())

	rt2, err := OpenRuntime(ctx, cfg)
	require.NoError(t, err)

	for key, want := range map[string]string{"before": "1", "after": "2", "stats:submitted": "1"} {
		got, err := rt2.KV.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, want, string(got), key)
	}
	require.NoError(t, rt2.Close())

	require.NoError(t, rt1.journal.Close())
	require.NoError(t, rt1.KV.Close())
}

func TestOpenRuntimeJournalOnly(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t, "", filepath.Join(t.TempDir(), "relay.wal"))

	rt, err := OpenRuntime(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, rt.KV.ListPush(ctx, "queue", []byte("a")))
	require.NoError(t, rt.Close())

	rt, err = OpenRuntime(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close()
	got, err := rt.KV.ListPop(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)
}

func TestRuntimeWithoutStreams(t *testing.T) {
	cfg := config.Default()
	rt := &Runtime{Config: cfg}

	assert.Nil(t, rt.RecommendClient())
	_, err := rt.Worker()
	assert.Error(t, err)

	cfg.Analysis.Mode = config.AnalysisRemote
	_, err = rt.Orchestrator()
	assert.ErrorContains(t, err, "needs a backend with streams")
}
