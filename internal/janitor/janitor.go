// Package janitor runs periodic housekeeping against the stores: purging
// expired entries that are only reclaimed lazily, and writing snapshots of
// the in-memory backend.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/snapshot"
	"github.com/ChuLiYu/beaver-relay/internal/storage/wal"
	"github.com/ChuLiYu/beaver-relay/internal/store/memory"
	"github.com/ChuLiYu/beaver-relay/internal/store/mongostore"
)

// DefaultSchedule runs every task twice a minute.
const DefaultSchedule = "@every 30s"

// taskTimeout bounds a single run of one task.
const taskTimeout = 30 * time.Second

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TaskFunc performs one housekeeping pass and reports how many entries it removed.
type TaskFunc func(ctx context.Context) (int, error)

type task struct {
	name string
	run  TaskFunc
}

// Janitor schedules housekeeping tasks with robfig/cron.
type Janitor struct {
	schedule string
	metrics  *metrics.Collector

	mu    sync.Mutex
	tasks []task
	cron  *cron.Cron
}

// New validates schedule (a 5-field cron expression or a descriptor such as
// "@every 30s") and returns an idle Janitor.
func New(schedule string, m *metrics.Collector) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return &Janitor{schedule: schedule, metrics: m}, nil
}

// Add registers a task. Tasks run sequentially in registration order.
func (j *Janitor) Add(name string, fn TaskFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, task{name: name, run: fn})
}

// RunOnce runs every task now and returns the total number of purged
// entries. A failing task does not stop the others.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	j.mu.Lock()
	tasks := append([]task(nil), j.tasks...)
	j.mu.Unlock()

	var (
		total int
		errs  []error
	)
	for _, t := range tasks {
		tctx, cancel := context.WithTimeout(ctx, taskTimeout)
		n, err := t.run(tctx)
		cancel()
		if err != nil {
			slog.Error("Janitor task failed", "task", t.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		if n > 0 {
			slog.Debug("Janitor task purged entries", "task", t.name, "purged", n)
		}
		total += n
	}

	j.metrics.RecordPurged(total)
	return total, errors.Join(errs...)
}

// Start schedules RunOnce until ctx ends or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor already started")
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(j.schedule, func() {
		_, _ = j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c

	slog.Info("Janitor started",
		"schedule", j.schedule,
		"tasks", len(j.tasks),
	)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	slog.Info("Janitor stopped")
}

// MemoryPurge removes expired entries from the in-memory backend.
func MemoryPurge(s *memory.Store) TaskFunc {
	return func(ctx context.Context) (int, error) {
		return s.Purge(), nil
	}
}

// MongoPurge removes expired documents ahead of MongoDB's TTL monitor.
func MongoPurge(s *mongostore.Store) TaskFunc {
	return func(ctx context.Context) (int, error) {
		n, err := s.Purge(ctx)
		return int(n), err
	}
}

// MemorySnapshot writes the in-memory backend to disk, keeping up to
// keepBackups previous snapshots. With a journal, the records the snapshot
// already covers are compacted away afterwards; journal may be nil.
func MemorySnapshot(s *memory.Store, m *snapshot.Manager, keepBackups int, journal *wal.WAL) TaskFunc {
	return func(ctx context.Context) (int, error) {
		data := s.Snapshot()
		if err := m.WriteWithBackup(data, keepBackups); err != nil {
			return 0, err
		}
		if journal == nil {
			return 0, nil
		}
		dropped, err := journal.Compact(data.JournalSeq)
		if err != nil {
			return 0, fmt.Errorf("compact journal: %w", err)
		}
		if dropped > 0 {
			slog.Debug("Journal compacted", "up_to_seq", data.JournalSeq, "dropped", dropped)
		}
		return 0, nil
	}
}
