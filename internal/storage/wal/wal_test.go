package wal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts Options) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "relay.wal")
	w, err := Open(path, opts)
	require.NoError(t, err)
	return w, path
}

func collect(t *testing.T, w *WAL) []Record {
	t.Helper()
	var out []Record
	_, err := w.Replay(func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTemp(t, Options{})
	defer w.Close()

	_, err := w.Append(Record{Op: OpSet, Key: "a", Value: []byte("1"), ExpiresAt: 1700000000000})
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpAppend, Key: "jobs", IDs: []string{"5-0"}, Fields: map[string]string{"resource_id": "BV1"}})
	require.NoError(t, err)
	seq, err := w.Append(Record{Op: OpDelete, Key: "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	recs := collect(t, w)
	require.Len(t, recs, 3)
	assert.Equal(t, OpSet, recs[0].Op)
	assert.Equal(t, []byte("1"), recs[0].Value)
	assert.Equal(t, int64(1700000000000), recs[0].ExpiresAt)
	assert.Equal(t, "BV1", recs[1].Fields["resource_id"])
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
}

func TestReopenContinuesSequence(t *testing.T) {
	w, path := openTemp(t, Options{SyncOnAppend: true})
	for _, k := range []string{"a", "b"} {
		_, err := w.Append(Record{Op: OpSet, Key: k})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w, err := Open(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(2), w.LastSeq())

	seq, err := w.Append(Record{Op: OpSet, Key: "c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Len(t, collect(t, w), 3)
}

func TestTornTailIsTruncated(t *testing.T) {
	w, path := openTemp(t, Options{SyncOnAppend: true})
	for _, k := range []string{"a", "b"} {
		_, err := w.Append(Record{Op: OpSet, Key: k})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// 崩潰時只寫了一半
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"op":"SET","ke`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(2), w.LastSeq())

	_, err = w.Append(Record{Op: OpSet, Key: "c"})
	require.NoError(t, err)
	recs := collect(t, w)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[2].Key)
}

func TestCorruptedMiddleRecord(t *testing.T) {
	w, path := openTemp(t, Options{SyncOnAppend: true})
	for _, k := range []string{"a", "b", "c"} {
		_, err := w.Append(Record{Op: OpSet, Key: k})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"key":"b"`, `"key":"x"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = Open(path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(1), cerr.Seq)
}

func TestCompact(t *testing.T) {
	w, path := openTemp(t, Options{})
	for i := 0; i < 5; i++ {
		_, err := w.Append(Record{Op: OpSet, Key: "k", Value: []byte{byte('0' + i)}})
		require.NoError(t, err)
	}

	dropped, err := w.Compact(3)
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)

	recs := collect(t, w)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Seq)

	seq, err := w.Append(Record{Op: OpSet, Key: "after"})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq, "compaction keeps the sequence counter")
	require.NoError(t, w.Close())

	w, err = Open(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(6), w.LastSeq())
}

func TestAdvanceAfterEmptyCompaction(t *testing.T) {
	w, path := openTemp(t, Options{})
	for i := 0; i < 2; i++ {
		_, err := w.Append(Record{Op: OpSet, Key: "k"})
		require.NoError(t, err)
	}
	_, err := w.Compact(2)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Open(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Zero(t, w.LastSeq())

	w.AdvanceTo(2)
	w.AdvanceTo(1)
	seq, err := w.Append(Record{Op: OpSet, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestBackgroundFlush(t *testing.T) {
	w, path := openTemp(t, Options{BatchSize: 1000, FlushInterval: 10 * time.Millisecond})
	defer w.Close()

	_, err := w.Append(Record{Op: OpPush, Key: "q", Value: []byte("x")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stat, err := os.Stat(path)
		return err == nil && stat.Size() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestClosedWAL(t *testing.T) {
	w, _ := openTemp(t, Options{})
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	_, err := w.Append(Record{Op: OpSet, Key: "a"})
	assert.ErrorIs(t, err, ErrWALClosed)
	_, err = w.Replay(func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestVerifyChecksum(t *testing.T) {
	rec := Record{Seq: 7, Op: OpAck, Key: "s", Group: "g", IDs: []string{"1-0"}}
	rec.Checksum = CalculateChecksum(rec)
	assert.NoError(t, VerifyChecksum(rec))

	rec.Group = "other"
	var cerr *ChecksumError
	require.ErrorAs(t, VerifyChecksum(rec), &cerr)
	assert.Equal(t, uint64(7), cerr.Seq)
	assert.Contains(t, cerr.Error(), "seq=7")
}
