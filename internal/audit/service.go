package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentPay-Chain/pkg/logger"
)

// Service 负责写入与查询审计日志。每条记录同时镜像到审计日志流，
// 即便存储后端故障也能留下取证线索。
type Service struct {
	store Store
	audit *slog.Logger
}

// NewService 构造审计服务实例。
func NewService(store Store) *Service {
	return &Service{
		store: store,
		audit: logger.Audit(),
	}
}

// Record 追加一条审计记录。
func (s *Service) Record(ctx context.Context, action string, actorType ActorType, actorID, resourceType, resourceID string, details map[string]string) error {
	if action == "" || resourceType == "" {
		return ErrAuditValidation
	}
	entry := &Entry{
		ID:           uuid.NewString(),
		Action:       action,
		ActorType:    actorType,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    time.Now().Unix(),
	}
	if len(details) > 0 {
		entry.Details = make(map[string]string, len(details))
		for k, v := range details {
			entry.Details[k] = v
		}
	}

	s.audit.Info("audit",
		slog.String("action", action),
		slog.String("actor_type", string(actorType)),
		slog.String("actor_id", actorID),
		slog.String("resource_type", resourceType),
		slog.String("resource_id", resourceID),
	)
	return s.store.Append(ctx, entry)
}

// Logs 按过滤条件查询审计记录。
func (s *Service) Logs(ctx context.Context, q Query) ([]*Entry, error) {
	q.applyDefaults()
	return s.store.Query(ctx, q)
}
