// Package jobstatus 任務狀態儲存：每個 job id 一筆記錄，完整覆寫，TTL 到期後消失。
//
// 一個 job id 在其生命週期內只有一個寫入者（擁有它的執行單元），
// 因此沒有樂觀鎖；最後寫入者勝出。
package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// ErrNotFound 任務不存在或已過期
var ErrNotFound = errors.New("jobstatus: job not found")

// Store 任務狀態儲存
type Store struct {
	kv  store.KeyValueStore
	ttl time.Duration
}

// New 建立狀態儲存；ttl <= 0 時使用 store.DefaultJobStatusTTL
func New(kv store.KeyValueStore, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = store.DefaultJobStatusTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

// Set 寫入狀態（完整取代前一筆），寫入前檢查狀態變體
func (s *Store) Set(ctx context.Context, job types.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := s.kv.Set(ctx, store.JobStatusKey(string(job.ID)), raw, s.ttl); err != nil {
		return fmt.Errorf("set job status %s: %w", job.ID, err)
	}
	return nil
}

// Get 讀取狀態
//
// 返回值：
//   - types.Job: 最後一次寫入的狀態
//   - error: 不存在或過期回傳 ErrNotFound；內容不合法回傳 types.ErrInvalidJob
func (s *Store) Get(ctx context.Context, id types.JobID) (types.Job, error) {
	raw, err := s.kv.Get(ctx, store.JobStatusKey(string(id)))
	if errors.Is(err, store.ErrNotFound) {
		return types.Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("get job status %s: %w", id, err)
	}

	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return types.Job{}, fmt.Errorf("%w: decode %s: %v", types.ErrInvalidJob, id, err)
	}
	if err := job.Validate(); err != nil {
		return types.Job{}, err
	}
	return job, nil
}
