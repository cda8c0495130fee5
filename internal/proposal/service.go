package proposal

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

// 生命周期事件名，随每次状态迁移发出。
const (
	EventCreated   = "proposal.created"
	EventApproved  = "proposal.approved"
	EventRejected  = "proposal.rejected"
	EventExecuting = "proposal.executing"
	EventExecuted  = "proposal.executed"
	EventFailed    = "proposal.failed"
)

// Hooks 在每次成功的状态迁移后被调用，用于驱动回调、通知与审计。
// 实现必须是尽力而为的，不得阻塞或影响迁移本身。
type Hooks interface {
	OnTransition(ctx context.Context, p *PaymentProposal, event string)
}

// CreateInput 描述智能体发起提案所需的字段。
type CreateInput struct {
	AgentID          string
	AgentName        string
	OwnerAddress     string
	RecipientAddress string
	Amount           string
	Token            string
	ChainID          int64
	Reason           string
	Metadata         map[string]string
	BudgetID         string
}

// Service 驱动支付提案的状态机。
type Service struct {
	store Store
	hooks Hooks
	log   *slog.Logger
	audit *slog.Logger
}

// Option 定义服务的可选配置。
type Option func(*Service)

// WithHooks 注册状态迁移钩子。
func WithHooks(hooks Hooks) Option {
	return func(s *Service) {
		s.hooks = hooks
	}
}

// NewService 构造提案服务实例。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   logger.Named("proposal"),
		audit: logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 校验输入并以 pending 状态落库。
func (s *Service) Create(ctx context.Context, input CreateInput) (*PaymentProposal, error) {
	p, err := buildProposal(input)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.emit(ctx, p, EventCreated)
	return p, nil
}

// CreateBatch 批量创建提案。校验是全有或全无的：任何一条不合法则整批拒绝。
func (s *Service) CreateBatch(ctx context.Context, inputs []CreateInput) ([]*PaymentProposal, error) {
	if len(inputs) == 0 {
		return nil, xerrors.New(CodeProposalValidation, "batch must not be empty")
	}
	if len(inputs) > MaxBatchSize {
		return nil, xerrors.New(CodeProposalValidation,
			fmt.Sprintf("batch exceeds %d proposals", MaxBatchSize))
	}

	proposals := make([]*PaymentProposal, 0, len(inputs))
	for i, input := range inputs {
		p, err := buildProposal(input)
		if err != nil {
			return nil, xerrors.Wrap(CodeProposalValidation, err,
				fmt.Sprintf("batch item %d", i))
		}
		proposals = append(proposals, p)
	}

	if err := s.store.CreateBatch(ctx, proposals); err != nil {
		return nil, err
	}
	for _, p := range proposals {
		s.emit(ctx, p, EventCreated)
	}
	return proposals, nil
}

// Get 返回所有者名下的指定提案。
func (s *Service) Get(ctx context.Context, id, owner string) (*PaymentProposal, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(p.OwnerAddress, owner) {
		return nil, ErrProposalNotFound
	}
	return p, nil
}

// List 按过滤条件分页列出提案。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*PaymentProposal, error) {
	opts.Owner = strings.ToLower(opts.Owner)
	opts.applyDefaults()
	return s.store.List(ctx, opts)
}

// PendingCount 返回所有者名下待审批提案的数量。
func (s *Service) PendingCount(ctx context.Context, owner string) (int64, error) {
	return s.store.PendingCount(ctx, strings.ToLower(owner))
}

// Approve 由所有者批准一条 pending 提案并盖上批准时间。
func (s *Service) Approve(ctx context.Context, id, owner string) (*PaymentProposal, error) {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return nil, err
	}
	p, err := s.store.Transition(ctx, id, StatusPending, StatusApproved, Mutation{
		ApprovedAt: time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, EventApproved)
	return p, nil
}

// Reject 由所有者驳回一条 pending 提案并记录原因。
func (s *Service) Reject(ctx context.Context, id, owner, reason string) (*PaymentProposal, error) {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return nil, err
	}
	p, err := s.store.Transition(ctx, id, StatusPending, StatusRejected, Mutation{
		RejectionReason: reason,
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, EventRejected)
	return p, nil
}

// StartExecution 把一条已批准的提案标记为执行中。
func (s *Service) StartExecution(ctx context.Context, id string) (*PaymentProposal, error) {
	p, err := s.store.Transition(ctx, id, StatusApproved, StatusExecuting, Mutation{})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, EventExecuting)
	return p, nil
}

// MarkExecuted 记录链上交易哈希并把提案置为终态 executed。
func (s *Service) MarkExecuted(ctx context.Context, id, txHash string) (*PaymentProposal, error) {
	p, err := s.store.Transition(ctx, id, StatusExecuting, StatusExecuted, Mutation{
		TxHash:     txHash,
		ExecutedAt: time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, EventExecuted)
	return p, nil
}

// MarkFailed 记录失败原因并把提案置为终态 failed。
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*PaymentProposal, error) {
	p, err := s.store.Transition(ctx, id, StatusExecuting, StatusFailed, Mutation{
		RejectionReason: reason,
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, EventFailed)
	return p, nil
}

func (s *Service) emit(ctx context.Context, p *PaymentProposal, event string) {
	s.audit.Info("proposal transition",
		slog.String("proposal_id", p.ID),
		slog.String("agent_id", p.AgentID),
		slog.String("event", event),
		slog.String("status", string(p.Status)),
	)
	if s.hooks != nil {
		s.hooks.OnTransition(ctx, p.Clone(), event)
	}
}

func buildProposal(input CreateInput) (*PaymentProposal, error) {
	if strings.TrimSpace(input.AgentID) == "" {
		return nil, xerrors.New(CodeProposalValidation, "agent id is required")
	}
	if !common.IsHexAddress(input.OwnerAddress) {
		return nil, xerrors.New(CodeProposalValidation, "invalid owner address")
	}
	if !common.IsHexAddress(input.RecipientAddress) {
		return nil, xerrors.New(CodeProposalValidation, "invalid recipient address")
	}
	if !money.IsPositive(input.Amount) {
		return nil, xerrors.New(CodeProposalValidation, "amount must be a positive decimal string")
	}
	token := strings.ToUpper(strings.TrimSpace(input.Token))
	if token == "" {
		return nil, xerrors.New(CodeProposalValidation, "token is required")
	}
	if input.ChainID <= 0 {
		return nil, xerrors.New(CodeProposalValidation, "chain id is required")
	}
	if strings.TrimSpace(input.Reason) == "" {
		return nil, xerrors.New(CodeProposalValidation, "reason is required")
	}
	if err := validateMetadata(input.Metadata); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	p := &PaymentProposal{
		ID:               uuid.NewString(),
		AgentID:          input.AgentID,
		AgentName:        strings.TrimSpace(input.AgentName),
		OwnerAddress:     strings.ToLower(input.OwnerAddress),
		RecipientAddress: strings.ToLower(input.RecipientAddress),
		Amount:           input.Amount,
		Token:            token,
		ChainID:          input.ChainID,
		Reason:           strings.TrimSpace(input.Reason),
		BudgetID:         input.BudgetID,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(input.Metadata) > 0 {
		p.Metadata = make(map[string]string, len(input.Metadata))
		for k, v := range input.Metadata {
			p.Metadata[k] = v
		}
	}
	return p, nil
}

func validateMetadata(metadata map[string]string) error {
	if len(metadata) > MaxMetadataKeys {
		return xerrors.New(CodeProposalValidation,
			fmt.Sprintf("metadata exceeds %d keys", MaxMetadataKeys))
	}
	for key, value := range metadata {
		if strings.TrimSpace(key) == "" {
			return xerrors.New(CodeProposalValidation, "metadata keys must not be empty")
		}
		if len(value) > MaxMetadataValueSize {
			return xerrors.New(CodeProposalValidation,
				fmt.Sprintf("metadata value for %q exceeds %d bytes", key, MaxMetadataValueSize))
		}
	}
	return nil
}
