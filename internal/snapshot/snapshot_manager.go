package snapshot

// ============================================================================
// 職責說明：
// 1. 將記憶體後端的完整狀態（KV、串列、串流、消費者群組）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 讓 memory 後端在重新啟動後保留鎖、任務狀態與未確認的串流訊息
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Entry 單一鍵值（ExpiresAt 為 Unix 毫秒，0 表示永久）
type Entry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// List 串列
type List struct {
	Items     [][]byte `json:"items"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
}

// Group 消費者群組狀態
type Group struct {
	LastID  string            `json:"last_id"`
	Pending map[string]string `json:"pending"` // 訊息 ID -> 消費者
}

// Stream 串流
type Stream struct {
	Messages []store.Message  `json:"messages"`
	LastID   string           `json:"last_id"`
	Groups   map[string]Group `json:"groups,omitempty"`
}

// Data 快照資料
type Data struct {
	Entries   map[string]Entry  `json:"entries"`
	Lists     map[string]List   `json:"lists"`
	Streams   map[string]Stream `json:"streams"`
	SchemaVer int               `json:"schema_ver"`
	TakenAt   int64             `json:"taken_at"`

	// JournalSeq 快照涵蓋到的最後一筆日誌序號，恢復時只重放之後的記錄
	JournalSeq uint64 `json:"journal_seq,omitempty"`
}

// Empty 回傳空的快照資料
func Empty() Data {
	return Data{
		Entries:   make(map[string]Entry),
		Lists:     make(map[string]List),
		Streams:   make(map[string]Stream),
		SchemaVer: SchemaVersion,
	}
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: 快照資料
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(data)
}

func (m *Manager) write(data Data) error {
	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 Data（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
//
// 返回值：
//   - Data: 快照資料
//   - error: 載入失敗或版本不相容時的錯誤
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Entries == nil {
		data.Entries = make(map[string]Entry)
	}
	if data.Lists == nil {
		data.Lists = make(map[string]List)
	}
	if data.Streams == nil {
		data.Streams = make(map[string]Stream)
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入前把舊快照改名為 {path}.{時間戳}，只保留最近 keepBackups 個備份
//
// 參數：
//   - data: 快照資料
//   - keepBackups: 保留的備份數量，<= 0 表示不保留備份
func (m *Manager) WriteWithBackup(data Data, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keepBackups > 0 && m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.write(data); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups 列出備份檔案，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, p := range matches {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		backups = append(backups, p)
	}
	// 時間戳格式固定寬度，字串排序即時間排序
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
