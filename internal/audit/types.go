package audit

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
)

// ActorType 区分触发动作的主体。
type ActorType string

const (
	ActorOwner  ActorType = "owner"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Entry 是一条不可变的审计记录。只追加，永不修改或删除。
type Entry struct {
	ID           string            `json:"id"`
	Action       string            `json:"action"`
	ActorType    ActorType         `json:"actor_type"`
	ActorID      string            `json:"actor_id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Details      map[string]string `json:"details,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

// Clone 返回审计记录的深拷贝。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Details != nil {
		clone.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// Query 描述审计日志的过滤条件。
type Query struct {
	ResourceType string
	ResourceID   string
	ActorID      string
	Limit        int
	Offset       int
}

func (q *Query) applyDefaults() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// ErrAuditValidation 表示审计记录缺少必填字段。
var ErrAuditValidation = xerrors.New(xerrors.CodeInvalidArgument, "audit entry validation failed")

// Store 抽象审计记录的持久化接口。
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, q Query) ([]*Entry, error)
	Close() error
}
