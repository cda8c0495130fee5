package payment

import (
	"context"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 基于内存保存授权记录，适用于开发与测试场景。
type MemoryStore struct {
	mu         sync.RWMutex
	auths      map[string]*Authorization
	byProposal map[string]string
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auths:      make(map[string]*Authorization),
		byProposal: make(map[string]string),
	}
}

// Create 插入新的授权记录，同一提案只允许一份。
func (s *MemoryStore) Create(_ context.Context, auth *Authorization) error {
	if auth == nil || strings.TrimSpace(auth.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "authorization id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auths[auth.ID]; exists {
		return ErrAuthorizationConflict
	}
	if _, exists := s.byProposal[auth.ProposalID]; exists {
		return ErrAuthorizationConflict
	}
	s.auths[auth.ID] = auth.Clone()
	s.byProposal[auth.ProposalID] = auth.ID
	return nil
}

// Get 查询指定授权记录。
func (s *MemoryStore) Get(_ context.Context, id string) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.auths[id]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return auth.Clone(), nil
}

// GetByProposal 按提案查询授权记录。
func (s *MemoryStore) GetByProposal(_ context.Context, proposalID string) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProposal[proposalID]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return s.auths[id].Clone(), nil
}

// Update 覆盖已有的授权记录。
func (s *MemoryStore) Update(_ context.Context, auth *Authorization) error {
	if auth == nil || strings.TrimSpace(auth.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "authorization id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auths[auth.ID]; !ok {
		return ErrAuthorizationNotFound
	}
	s.auths[auth.ID] = auth.Clone()
	return nil
}

// Transition 在写锁内校验前置状态并推进授权状态。
func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[id]
	if !ok {
		return ErrAuthorizationNotFound
	}
	if auth.Status != from {
		if auth.Status == StatusSubmitted {
			return ErrAuthorizationUsed
		}
		return xerrors.New(CodeAuthorizationState, "authorization is "+string(auth.Status))
	}
	auth.Status = to
	auth.UpdatedAt = updatedAt
	return nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
