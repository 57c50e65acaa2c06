package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加記錄到日誌檔案（append-only，每行一筆 JSON）
// 2. 提供重放功能，讓記憶體後端在快照之後補回變更
// 3. 快照完成後壓縮日誌（只保留快照之後的記錄）
// 4. 批次寫入：緩衝滿了、定時或 SyncOnAppend 時才 fsync
//
// 損壞處理：
//   最後一行無法解析或校驗失敗視為崩潰時的殘缺寫入，開啟時截掉；
//   中間行損壞則回傳 CorruptionError，不猜測如何修復。
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultBatchSize     = 256
	DefaultFlushInterval = 100 * time.Millisecond
)

// Options 寫入策略
type Options struct {
	SyncOnAppend  bool          `yaml:"sync_on_append"` // 每筆記錄都 fsync
	BatchSize     int           `yaml:"batch_size"`     // 緩衝達到此數量時 flush
	FlushInterval time.Duration `yaml:"flush_interval"` // 背景定時 flush 的週期
}

func (o Options) withDefaults() Options {
	if o.BatchSize < 1 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	return o
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex // 保護並發寫入
	file   *os.File
	writer *bufio.Writer
	path   string
	seq    uint64 // 最後分配的序號
	opts   Options
	closed bool

	buffer []Record // 尚未寫入檔案的記錄

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描全部記錄取得最後的 seq，並截掉殘缺的尾端
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path - WAL 檔案路徑
	opts - 寫入策略，零值欄位使用預設值
*/
func Open(path string, opts Options) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}

	lastSeq, good, err := scan(path, nil)
	if err != nil {
		return nil, err
	}
	if stat, err := os.Stat(path); err == nil && stat.Size() > good {
		slog.Warn("Truncating torn WAL tail",
			"path", path,
			"valid_bytes", good,
			"file_bytes", stat.Size())
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("truncate wal tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	w := &WAL{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		seq:    lastSeq,
		opts:   opts,
		buffer: make([]Record, 0, opts.BatchSize),
		stopCh: make(chan struct{}),
	}
	if !opts.SyncOnAppend {
		w.loopWg.Add(1)
		go w.flushLoop()
	}
	return w, nil
}

// Append 追加一筆記錄
//
// 行為：
// - 自動遞增 seq、填入時間戳與 checksum
// - 先放入緩衝，滿了或 SyncOnAppend 時立即寫入並同步
//
// 回傳：
//
//	分配到的 seq；寫入失敗時的錯誤
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	rec.Seq = w.seq
	rec.Timestamp = time.Now().UnixMilli()
	rec.Checksum = CalculateChecksum(rec)
	w.buffer = append(w.buffer, rec)

	if w.opts.SyncOnAppend || len(w.buffer) >= w.opts.BatchSize {
		if err := w.flushLocked(); err != nil {
			return rec.Seq, err
		}
	}
	return rec.Seq, nil
}

// Flush 把緩衝的記錄寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 依序重放所有記錄
//
// 行為：
// - 先 flush 緩衝，確保看到所有已追加的記錄
// - 驗證每筆記錄的 checksum
// - handler 回傳錯誤時立即停止
//
// 回傳：
//
//	成功重放的記錄數，錯誤（如果有）
func (w *WAL) Replay(handler Handler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}

	n := 0
	_, _, err := scan(w.path, func(rec Record) error {
		if err := handler(rec); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// Compact 移除 seq <= upTo 的記錄（它們已包含在快照中）
//
// 以 temp file + rename 重寫日誌，序號計數不會歸零。
//
// 回傳：
//
//	移除的記錄數，錯誤（如果有）
func (w *WAL) Compact(upTo uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}

	var (
		kept    []Record
		dropped int
	)
	if _, _, err := scan(w.path, func(rec Record) error {
		if rec.Seq <= upTo {
			dropped++
			return nil
		}
		kept = append(kept, rec)
		return nil
	}); err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	tmpPath := w.path + ".tmp"
	if err := writeRecords(tmpPath, kept); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("replace wal: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("reopen wal: %w", err)
	}
	old := w.file
	w.file = file
	w.writer = bufio.NewWriter(file)
	if err := old.Close(); err != nil {
		slog.Warn("Close replaced WAL file", "path", w.path, "error", err)
	}
	return dropped, nil
}

// LastSeq 取得最後分配的序號
//
// 用途：快照時記錄 last_seq，恢復時只重放之後的記錄
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceTo 確保之後分配的序號大於 seq
//
// 壓縮後日誌可能為空，開啟時讀不到快照涵蓋的最後序號。
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// Close 停止背景 flush、寫入剩餘記錄並關閉檔案；關閉後不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.loopWg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.flushLocked()
	return errors.Join(flushErr, w.file.Close())
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	enc := json.NewEncoder(w.writer)
	for _, rec := range w.buffer {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode wal record %d: %w", rec.Seq, err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

func (w *WAL) flushLoop() {
	defer w.loopWg.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			var err error
			if !w.closed {
				err = w.flushLocked()
			}
			w.mu.Unlock()
			if err != nil {
				slog.Error("WAL flush failed", "path", w.path, "error", err)
			}
		}
	}
}

// scan 逐行讀取並驗證記錄
//
// 回傳：
//
//	最後一筆有效記錄的 seq、有效內容的位元組長度、錯誤
//	檔案不存在時回傳 0, 0, nil
func scan(path string, fn Handler) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64<<10)
	var (
		lastSeq uint64
		offset  int64
	)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return lastSeq, offset, readErr
		}
		if len(line) > 0 {
			var rec Record
			perr := json.Unmarshal(line, &rec)
			if perr == nil {
				perr = VerifyChecksum(rec)
			}
			if perr != nil {
				if readErr == io.EOF || atEOF(r) {
					// 殘缺的尾端：保留之前的有效內容
					return lastSeq, offset, nil
				}
				return lastSeq, offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: perr}
			}
			if fn != nil {
				if err := fn(rec); err != nil {
					return lastSeq, offset, fmt.Errorf("apply wal record %d: %w", rec.Seq, err)
				}
			}
			lastSeq = rec.Seq
			offset += int64(len(line))
		}
		if readErr == io.EOF {
			return lastSeq, offset, nil
		}
	}
}

func atEOF(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return err == io.EOF
}

func writeRecords(path string, recs []Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
