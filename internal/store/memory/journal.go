package memory

import (
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-relay/internal/snapshot"
	"github.com/ChuLiYu/beaver-relay/internal/storage/wal"
	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// Journal receives every mutation after it is applied. *wal.WAL satisfies it.
type Journal interface {
	Append(rec wal.Record) (uint64, error)
	LastSeq() uint64
}

// WithJournal records every mutation to j.
func WithJournal(j Journal) Option {
	return func(s *Store) {
		s.journal = j
	}
}

// AttachJournal starts recording mutations to j; call it after Recover.
func (s *Store) AttachJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// mutate 套用變更並寫入日誌（呼叫者需持有鎖）
func (s *Store) mutate(rec wal.Record) {
	s.applyLocked(rec)
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(rec); err != nil {
		slog.Error("Journal append failed", "op", rec.Op, "key", rec.Key, "error", err)
	}
}

// Apply 套用一筆重放的記錄，不寫入日誌
func (s *Store) Apply(rec wal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	switch rec.Op {
	case wal.OpSet, wal.OpDelete, wal.OpExpire, wal.OpPush, wal.OpPop,
		wal.OpAppend, wal.OpRemove, wal.OpGroup, wal.OpDeliver, wal.OpAck:
	default:
		return fmt.Errorf("memory: unknown journal op %q", rec.Op)
	}
	if rec.Op == wal.OpAppend && len(rec.IDs) != 1 {
		return fmt.Errorf("memory: %s record without message id", rec.Op)
	}
	s.applyLocked(rec)
	return nil
}

// Recover 還原快照，再重放日誌中快照之後的記錄
//
// 返回值：
//   - int: 重放的記錄數
//   - error: 還原或重放失敗
func (s *Store) Recover(data snapshot.Data, j *wal.WAL) (int, error) {
	if err := s.Restore(data); err != nil {
		return 0, err
	}
	if j == nil {
		return 0, nil
	}

	n := 0
	if _, err := j.Replay(func(rec wal.Record) error {
		if rec.Seq <= data.JournalSeq {
			return nil
		}
		n++
		return s.Apply(rec)
	}); err != nil {
		return n, err
	}
	j.AdvanceTo(data.JournalSeq)
	return n, nil
}

// applyLocked 所有變更的唯一入口（呼叫者需持有鎖）
func (s *Store) applyLocked(rec wal.Record) {
	switch rec.Op {
	case wal.OpSet:
		s.entries[rec.Key] = &entry{value: clone(rec.Value), expiresAt: fromMillis(rec.ExpiresAt)}

	case wal.OpDelete:
		delete(s.entries, rec.Key)
		delete(s.lists, rec.Key)
		delete(s.streams, rec.Key)

	case wal.OpExpire:
		if e, ok := s.entries[rec.Key]; ok {
			e.expiresAt = fromMillis(rec.ExpiresAt)
		} else if l, ok := s.lists[rec.Key]; ok {
			l.expiresAt = fromMillis(rec.ExpiresAt)
		}

	case wal.OpPush:
		l := s.liveList(rec.Key)
		if l == nil {
			l = &list{}
			s.lists[rec.Key] = l
		}
		l.items = append(l.items, clone(rec.Value))
		s.signal()

	case wal.OpPop:
		if l, ok := s.lists[rec.Key]; ok && len(l.items) > 0 {
			l.items = l.items[1:]
			if len(l.items) == 0 {
				delete(s.lists, rec.Key)
			}
		}

	case wal.OpAppend:
		id, err := parseStreamID(rec.IDs[0])
		if err != nil {
			return
		}
		st := s.streamFor(rec.Key)
		if st.lastID.less(id) {
			st.lastID = id
		}
		fields := make(map[string]string, len(rec.Fields))
		for k, v := range rec.Fields {
			fields[k] = v
		}
		st.msgs = append(st.msgs, store.Message{ID: rec.IDs[0], Fields: fields})
		s.signal()

	case wal.OpRemove:
		st, ok := s.streams[rec.Key]
		if !ok {
			return
		}
		drop := make(map[string]bool, len(rec.IDs))
		for _, id := range rec.IDs {
			drop[id] = true
		}
		kept := st.msgs[:0]
		for _, m := range st.msgs {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		st.msgs = kept

	case wal.OpGroup:
		st := s.streamFor(rec.Key)
		if _, ok := st.groups[rec.Group]; !ok {
			st.groups[rec.Group] = &group{pending: make(map[string]string)}
		}

	case wal.OpDeliver:
		g := s.groupFor(rec.Key, rec.Group)
		for _, raw := range rec.IDs {
			g.pending[raw] = rec.Consumer
			if id, err := parseStreamID(raw); err == nil && g.lastID.less(id) {
				g.lastID = id
			}
		}

	case wal.OpAck:
		st, ok := s.streams[rec.Key]
		if !ok {
			return
		}
		if g, ok := st.groups[rec.Group]; ok {
			for _, id := range rec.IDs {
				delete(g.pending, id)
			}
		}
	}
}

func (s *Store) groupFor(name, groupName string) *group {
	st := s.streamFor(name)
	g, ok := st.groups[groupName]
	if !ok {
		g = &group{pending: make(map[string]string)}
		st.groups[groupName] = g
	}
	return g
}
