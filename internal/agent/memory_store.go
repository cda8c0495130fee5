package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 基于内存保存智能体记录，适用于开发与测试场景。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byHash map[string]string
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		byHash: make(map[string]string),
	}
}

// Create 插入新的智能体记录。
func (s *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return ErrAgentConflict
	}
	if _, exists := s.byHash[agent.APIKeyHash]; exists {
		return ErrAgentConflict
	}
	s.agents[agent.ID] = agent.Clone()
	s.byHash[agent.APIKeyHash] = agent.ID
	return nil
}

// Get 查询指定智能体。
func (s *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// GetByKeyHash 按 API Key 哈希查询智能体。
func (s *MemoryStore) GetByKeyHash(_ context.Context, hash string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrAgentNotFound
	}
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// List 返回所有者名下的全部智能体，按创建时间倒序。
func (s *MemoryStore) List(_ context.Context, owner string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0, 8)
	for _, agent := range s.agents {
		if agent.OwnedBy(owner) {
			agents = append(agents, agent.Clone())
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt != agents[j].CreatedAt {
			return agents[i].CreatedAt > agents[j].CreatedAt
		}
		return agents[i].ID > agents[j].ID
	})
	return agents, nil
}

// Update 覆盖已有的智能体记录。
func (s *MemoryStore) Update(_ context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; !ok {
		return ErrAgentNotFound
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
