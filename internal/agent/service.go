package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/pkg/logger"
)

// CreateInput 描述注册新智能体所需的字段。
type CreateInput struct {
	OwnerAddress       string
	Name               string
	Type               string
	AutoExecuteEnabled bool
	AutoExecuteRules   *AutoExecuteRules
	RateLimitPerMinute int
	WebhookURL         string
	WebhookSecret      string
}

// UpdateInput 描述可被所有者修改的字段。nil 表示保持原值。
type UpdateInput struct {
	Name               *string
	Status             *Status
	AutoExecuteEnabled *bool
	AutoExecuteRules   *AutoExecuteRules
	ClearRules         bool
	RateLimitPerMinute *int
	WebhookURL         *string
	WebhookSecret      *string
}

// Service 管理智能体的注册、认证与生命周期。
type Service struct {
	store   Store
	limiter *RateLimiter
	log     *slog.Logger
	audit   *slog.Logger
}

// NewService 构造智能体服务实例。
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		limiter: NewRateLimiter(),
		log:     logger.Named("agent"),
		audit:   logger.Audit(),
	}
}

const defaultRateLimit = 60

// Create 注册一个新的智能体并返回仅此一次可见的明文 API Key。
func (s *Service) Create(ctx context.Context, input CreateInput) (*Agent, string, error) {
	if err := validateCreate(input); err != nil {
		return nil, "", err
	}

	plaintext, hash, prefix, err := GenerateKey()
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeUnknown, err, "generate api key")
	}

	now := time.Now().Unix()
	rateLimit := input.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	a := &Agent{
		ID:                 uuid.NewString(),
		OwnerAddress:       strings.ToLower(input.OwnerAddress),
		Name:               strings.TrimSpace(input.Name),
		Type:               strings.TrimSpace(input.Type),
		Status:             StatusActive,
		APIKeyHash:         hash,
		APIKeyPrefix:       prefix,
		AutoExecuteEnabled: input.AutoExecuteEnabled,
		AutoExecuteRules:   input.AutoExecuteRules.Clone(),
		RateLimitPerMinute: rateLimit,
		WebhookURL:         strings.TrimSpace(input.WebhookURL),
		WebhookSecret:      input.WebhookSecret,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, "", err
	}

	s.audit.Info("agent registered",
		slog.String("agent_id", a.ID),
		slog.String("owner", a.OwnerAddress),
		slog.String("key_prefix", a.APIKeyPrefix),
	)
	return a, plaintext, nil
}

// Get 返回所有者名下的指定智能体。
func (s *Service) Get(ctx context.Context, id, owner string) (*Agent, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.OwnedBy(owner) {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// List 返回所有者名下的全部智能体。
func (s *Service) List(ctx context.Context, owner string) ([]*Agent, error) {
	if !common.IsHexAddress(owner) {
		return nil, xerrors.New(CodeAgentValidation, "invalid owner address")
	}
	return s.store.List(ctx, strings.ToLower(owner))
}

// Update 按补丁语义更新智能体的可变字段。
func (s *Service) Update(ctx context.Context, id, owner string, input UpdateInput) (*Agent, error) {
	a, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusDeactivated {
		return nil, ErrAgentDeactivated
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, xerrors.New(CodeAgentValidation, "agent name is required")
		}
		a.Name = name
	}
	if input.Status != nil {
		next := *input.Status
		if !IsValidStatus(next) {
			return nil, xerrors.New(CodeAgentValidation, fmt.Sprintf("invalid status %q", next))
		}
		// 停用只能通过 Deactivate 完成，且不可逆。
		if next == StatusDeactivated {
			return nil, xerrors.New(CodeAgentValidation, "use deactivate to retire an agent")
		}
		a.Status = next
	}
	if input.AutoExecuteEnabled != nil {
		a.AutoExecuteEnabled = *input.AutoExecuteEnabled
	}
	if input.ClearRules {
		a.AutoExecuteRules = nil
	} else if input.AutoExecuteRules != nil {
		if err := validateRules(input.AutoExecuteRules); err != nil {
			return nil, err
		}
		a.AutoExecuteRules = input.AutoExecuteRules.Clone()
	}
	if input.RateLimitPerMinute != nil {
		if *input.RateLimitPerMinute <= 0 {
			return nil, xerrors.New(CodeAgentValidation, "rate limit must be positive")
		}
		a.RateLimitPerMinute = *input.RateLimitPerMinute
	}
	if input.WebhookURL != nil {
		a.WebhookURL = strings.TrimSpace(*input.WebhookURL)
	}
	if input.WebhookSecret != nil {
		a.WebhookSecret = *input.WebhookSecret
	}

	a.UpdatedAt = time.Now().Unix()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Deactivate 永久停用智能体。停用后密钥立即失效且不可恢复。
func (s *Service) Deactivate(ctx context.Context, id, owner string) (*Agent, error) {
	a, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusDeactivated {
		return a, nil
	}
	a.Status = StatusDeactivated
	a.UpdatedAt = time.Now().Unix()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	s.audit.Warn("agent deactivated",
		slog.String("agent_id", a.ID),
		slog.String("owner", a.OwnerAddress),
	)
	return a, nil
}

// PauseAll 暂停所有者名下所有处于 active 状态的智能体并关闭自动执行，
// 返回受影响数量。这是所有者的紧急制动开关。
func (s *Service) PauseAll(ctx context.Context, owner string) (int, error) {
	return s.flipAll(ctx, owner, StatusActive, StatusPaused)
}

// ResumeAll 恢复所有者名下所有处于 paused 状态的智能体，返回受影响数量。
// 被紧急制动关闭的自动执行开关会一并恢复。
func (s *Service) ResumeAll(ctx context.Context, owner string) (int, error) {
	return s.flipAll(ctx, owner, StatusPaused, StatusActive)
}

func (s *Service) flipAll(ctx context.Context, owner string, from, to Status) (int, error) {
	agents, err := s.List(ctx, owner)
	if err != nil {
		return 0, err
	}
	count := 0
	now := time.Now().Unix()
	for _, a := range agents {
		if a.Status != from {
			continue
		}
		a.Status = to
		if to == StatusPaused {
			if a.AutoExecuteEnabled {
				a.AutoExecuteEnabled = false
				a.AutoExecSuspended = true
			}
		} else if a.AutoExecSuspended {
			a.AutoExecuteEnabled = true
			a.AutoExecSuspended = false
		}
		a.UpdatedAt = now
		if err := s.store.Update(ctx, a); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		s.audit.Warn("bulk status change",
			slog.String("owner", strings.ToLower(owner)),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Int("count", count),
		)
	}
	return count, nil
}

// ValidateKey 认证一个 API Key 明文并执行限流检查。
// 认证通过时会更新智能体的最近活跃时间。
func (s *Service) ValidateKey(ctx context.Context, plaintext string) (*Agent, error) {
	if err := CheckKeyFormat(plaintext); err != nil {
		return nil, err
	}

	a, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err != nil {
		if xerrors.CodeOf(err) == CodeAgentNotFound {
			return nil, ErrUnknownKey
		}
		return nil, err
	}

	switch a.Status {
	case StatusPaused:
		return nil, ErrAgentPaused
	case StatusDeactivated:
		return nil, ErrAgentDeactivated
	}

	if !s.limiter.Allow(a.ID, a.RateLimitPerMinute) {
		return nil, ErrRateLimited
	}

	a.LastActiveAt = time.Now().Unix()
	if err := s.store.Update(ctx, a); err != nil {
		// 活跃时间戳是尽力而为的，更新失败不阻断请求。
		s.log.Warn("stamp last_active_at failed",
			slog.String("agent_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	return a, nil
}

func validateCreate(input CreateInput) error {
	if !common.IsHexAddress(input.OwnerAddress) {
		return xerrors.New(CodeAgentValidation, "invalid owner address")
	}
	if strings.TrimSpace(input.Name) == "" {
		return xerrors.New(CodeAgentValidation, "agent name is required")
	}
	if input.AutoExecuteRules != nil {
		if err := validateRules(input.AutoExecuteRules); err != nil {
			return err
		}
	}
	return nil
}

func validateRules(rules *AutoExecuteRules) error {
	if rules.MaxSingleAmount != "" && !money.Valid(rules.MaxSingleAmount) {
		return xerrors.New(CodeAgentValidation, "invalid max_single_amount")
	}
	for _, recipient := range rules.AllowedRecipients {
		if !common.IsHexAddress(recipient) {
			return xerrors.New(CodeAgentValidation, fmt.Sprintf("invalid recipient address %q", recipient))
		}
	}
	for _, chainID := range rules.AllowedChains {
		if chainID <= 0 {
			return xerrors.New(CodeAgentValidation, "chain ids must be positive")
		}
	}
	return nil
}
