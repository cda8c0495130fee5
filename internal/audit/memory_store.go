package audit

import (
	"context"
	"sync"
)

// MemoryStore 基于内存保存审计记录，按写入顺序追加。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 追加一条审计记录。
func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	if entry == nil {
		return ErrAuditValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry.Clone())
	return nil
}

// Query 按过滤条件返回记录，最新的在前。
func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Entry, error) {
	q.applyDefaults()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Entry, 0, 16)
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if q.ResourceType != "" && entry.ResourceType != q.ResourceType {
			continue
		}
		if q.ResourceID != "" && entry.ResourceID != q.ResourceID {
			continue
		}
		if q.ActorID != "" && entry.ActorID != q.ActorID {
			continue
		}
		matched = append(matched, entry.Clone())
	}

	if q.Offset >= len(matched) {
		return []*Entry{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[q.Offset:end], nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
