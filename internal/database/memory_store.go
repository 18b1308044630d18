package database

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore 未启用MongoDB时使用, 只保留最近的若干条记录
type MemoryStore struct {
	sessions *expirable.LRU[string, *SessionRecord]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{
		sessions: expirable.NewLRU[string, *SessionRecord](size, nil, ttl),
	}
}

func (ms *MemoryStore) SaveSession(_ context.Context, record *SessionRecord) error {
	if record.SessionID == "" {
		return ErrSessionIDEmpty
	}
	ms.sessions.Add(record.SessionID, record.Clone())
	return nil
}

func (ms *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, ErrSessionIDEmpty
	}
	record, ok := ms.sessions.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDEmpty
	}
	if !ms.sessions.Remove(sessionID) {
		return ErrNotFound
	}
	return nil
}

func (ms *MemoryStore) RecentSessions(_ context.Context, limit int) ([]*SessionRecord, error) {
	values := ms.sessions.Values()
	records := make([]*SessionRecord, 0, len(values))
	for _, v := range values {
		records = append(records, v.Clone())
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ConnectedAt.After(records[j].ConnectedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
