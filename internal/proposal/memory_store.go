package proposal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 基于内存保存提案记录，适用于开发与测试场景。
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*PaymentProposal
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*PaymentProposal)}
}

// Create 插入新的提案记录。
func (s *MemoryStore) Create(_ context.Context, p *PaymentProposal) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proposals[p.ID]; exists {
		return ErrProposalConflict
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

// CreateBatch 原子地插入一批提案：任何一条冲突则整批不落库。
func (s *MemoryStore) CreateBatch(_ context.Context, ps []*PaymentProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range ps {
		if p == nil || strings.TrimSpace(p.ID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "proposal id is required")
		}
		if _, exists := s.proposals[p.ID]; exists {
			return ErrProposalConflict
		}
	}
	for _, p := range ps {
		s.proposals[p.ID] = p.Clone()
	}
	return nil
}

// Get 查询指定提案。
func (s *MemoryStore) Get(_ context.Context, id string) (*PaymentProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p.Clone(), nil
}

// List 按过滤条件分页列出提案。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*PaymentProposal, error) {
	opts.applyDefaults()

	s.mu.RLock()
	matched := make([]*PaymentProposal, 0, 16)
	for _, p := range s.proposals {
		if opts.Owner != "" && !strings.EqualFold(p.OwnerAddress, opts.Owner) {
			continue
		}
		if opts.AgentID != "" && p.AgentID != opts.AgentID {
			continue
		}
		if len(opts.Statuses) > 0 && !statusIn(p.Status, opts.Statuses) {
			continue
		}
		matched = append(matched, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if opts.Order == SortByCreatedAsc {
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt < b.CreatedAt
			}
			return a.ID < b.ID
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []*PaymentProposal{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}

// PendingCount 返回所有者名下待审批提案的数量。
func (s *MemoryStore) PendingCount(_ context.Context, owner string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, p := range s.proposals {
		if p.Status == StatusPending && strings.EqualFold(p.OwnerAddress, owner) {
			count++
		}
	}
	return count, nil
}

// Transition 在写锁内校验前置状态并应用迁移。
func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, mut Mutation) (*PaymentProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	if p.Status != from || !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	p.Status = to
	if mut.RejectionReason != "" {
		p.RejectionReason = mut.RejectionReason
	}
	if mut.TxHash != "" {
		p.TxHash = mut.TxHash
	}
	if mut.ApprovedAt != 0 {
		p.ApprovedAt = mut.ApprovedAt
	}
	if mut.ExecutedAt != 0 {
		p.ExecutedAt = mut.ExecutedAt
	}
	p.UpdatedAt = time.Now().Unix()
	return p.Clone(), nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
