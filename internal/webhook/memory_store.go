package webhook

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 基于内存保存投递记录，适用于开发与测试场景。
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*Delivery)}
}

// Create 插入新的投递记录。
func (s *MemoryStore) Create(_ context.Context, d *Delivery) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "delivery id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; exists {
		return ErrDeliveryConflict
	}
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// Get 查询指定投递记录。
func (s *MemoryStore) Get(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d.Clone(), nil
}

// List 返回智能体名下的投递记录，按创建时间倒序。
func (s *MemoryStore) List(_ context.Context, agentID string, limit, offset int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	matched := make([]*Delivery, 0, 16)
	for _, d := range s.deliveries {
		if agentID != "" && d.AgentID != agentID {
			continue
		}
		matched = append(matched, d.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if offset >= len(matched) {
		return []*Delivery{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Update 覆盖已有的投递记录。
func (s *MemoryStore) Update(_ context.Context, d *Delivery) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "delivery id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// PendingRetries 返回重试时间已到的待投递记录。
func (s *MemoryStore) PendingRetries(_ context.Context, now int64, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*Delivery, 0, 16)
	for _, d := range s.deliveries {
		if d.Status != StatusPending || d.NextRetryAt == 0 {
			continue
		}
		if d.NextRetryAt <= now {
			due = append(due, d.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt < due[j].NextRetryAt
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
