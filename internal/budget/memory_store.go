package budget

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// MemoryStore 基于内存保存预算记录，适用于开发与测试场景。
// 扣减在全局写锁内完成，天然满足串行化要求。
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]*Budget)}
}

// Create 插入新的预算记录。
func (s *MemoryStore) Create(_ context.Context, budget *Budget) error {
	if budget == nil || strings.TrimSpace(budget.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "budget id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.budgets[budget.ID]; exists {
		return ErrBudgetConflict
	}
	s.budgets[budget.ID] = budget.Clone()
	return nil
}

// Get 查询指定预算。
func (s *MemoryStore) Get(_ context.Context, id string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	budget, ok := s.budgets[id]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	return budget.Clone(), nil
}

// List 返回智能体名下的全部预算，按创建时间倒序。
func (s *MemoryStore) List(_ context.Context, agentID string) ([]*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	budgets := make([]*Budget, 0, 4)
	for _, budget := range s.budgets {
		if budget.AgentID == agentID {
			budgets = append(budgets, budget.Clone())
		}
	}
	sort.Slice(budgets, func(i, j int) bool {
		if budgets[i].CreatedAt != budgets[j].CreatedAt {
			return budgets[i].CreatedAt > budgets[j].CreatedAt
		}
		return budgets[i].ID > budgets[j].ID
	})
	return budgets, nil
}

// Update 覆盖已有的预算记录。
func (s *MemoryStore) Update(_ context.Context, budget *Budget) error {
	if budget == nil || strings.TrimSpace(budget.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "budget id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[budget.ID]; !ok {
		return ErrBudgetNotFound
	}
	s.budgets[budget.ID] = budget.Clone()
	return nil
}

// Delete 删除指定预算。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[id]; !ok {
		return ErrBudgetNotFound
	}
	delete(s.budgets, id)
	return nil
}

// Deduct 在写锁内校验并扣减额度，保证并发扣减不会越过上限。
func (s *MemoryStore) Deduct(_ context.Context, id, amount string) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget, ok := s.budgets[id]
	if !ok {
		return nil, ErrBudgetNotFound
	}

	cmp, err := money.Cmp(amount, budget.Remaining())
	if err != nil {
		return nil, xerrors.Wrap(CodeBudgetValidation, err, "compare amount")
	}
	if cmp > 0 {
		return nil, ErrInsufficientBudget
	}

	used, err := money.Add(budget.UsedAmount, amount)
	if err != nil {
		return nil, xerrors.Wrap(CodeBudgetValidation, err, "add used amount")
	}
	budget.UsedAmount = used
	budget.UpdatedAt = time.Now().Unix()
	return budget.Clone(), nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
