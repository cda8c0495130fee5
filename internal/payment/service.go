package payment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/proposal"
	"AgentPay-Chain/pkg/logger"
)

// ProposalReader 是支付服务对提案模块的只读依赖。
type ProposalReader interface {
	Get(ctx context.Context, id, owner string) (*proposal.PaymentProposal, error)
}

// Service 负责支付授权的生成、签名与链上提交。
type Service struct {
	store     Store
	proposals ProposalReader
	signer    *Signer
	submitter BlockchainSubmitter
	validity  time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// Option 配置支付服务。
type Option func(*Service)

// WithValidity 指定授权有效期，默认 5 分钟。
func WithValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService 创建支付服务。
func NewService(store Store, proposals ProposalReader, signer *Signer, submitter BlockchainSubmitter, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authorization store is required")
	}
	if proposals == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "proposal reader is required")
	}
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signer is required")
	}
	if submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "blockchain submitter is required")
	}
	s := &Service{
		store:     store,
		proposals: proposals,
		signer:    signer,
		submitter: submitter,
		validity:  5 * time.Minute,
		log:       logger.Named("payment"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateAuthorization 从已批准或执行中的提案生成支付授权。
// 每个提案至多一份授权。
func (s *Service) GenerateAuthorization(ctx context.Context, proposalID, owner string) (*Authorization, error) {
	p, err := s.proposals.Get(ctx, proposalID, owner)
	if err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusApproved && p.Status != proposal.StatusExecuting {
		return nil, ErrNotAuthorizable
	}

	now := s.now().Unix()
	auth := &Authorization{
		ID:             uuid.NewString(),
		ProposalID:     p.ID,
		Version:        Version,
		PaymentAddress: p.RecipientAddress,
		Amount:         p.Amount,
		Token:          p.Token,
		ChainID:        p.ChainID,
		ValidAfter:     now,
		ValidBefore:    now + int64(s.validity.Seconds()),
		ExpiresAt:      now + int64(s.validity.Seconds()),
		Status:         StatusGenerated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, auth); err != nil {
		return nil, err
	}

	s.log.Info("生成支付授权",
		"authorization_id", auth.ID,
		"proposal_id", p.ID,
		"amount", auth.Amount,
		"token", auth.Token,
		"chain_id", auth.ChainID,
	)
	return auth.Clone(), nil
}

// SignAuthorization 将授权绑定到所有者并签名。授权不存在时失败。
func (s *Service) SignAuthorization(ctx context.Context, id, owner string) (*Authorization, error) {
	auth, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth.Status == StatusSubmitted {
		return nil, ErrAuthorizationUsed
	}

	auth.OwnerAddress = strings.ToLower(strings.TrimSpace(owner))
	sig, err := s.signer.Sign(auth)
	if err != nil {
		return nil, err
	}
	auth.Signature = sig
	auth.Status = StatusSigned
	auth.UpdatedAt = s.now().Unix()
	if err := s.store.Update(ctx, auth); err != nil {
		return nil, err
	}

	s.log.Info("签名支付授权", "authorization_id", auth.ID, "proposal_id", auth.ProposalID)
	return auth.Clone(), nil
}

// ExecutePayment 将已签名的授权提交到链上。授权为单次使用：
// 提交后无论成败都不得再次提交；未签名或已过期的授权直接失败；
// 关联提案离开 approved/executing 后授权随之作废。
func (s *Service) ExecutePayment(ctx context.Context, id string) (*Receipt, error) {
	auth, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth.Status == StatusSubmitted {
		return nil, ErrAuthorizationUsed
	}
	if auth.Signature == nil {
		return nil, ErrAuthorizationUnsigned
	}
	now := s.now().Unix()
	if now < auth.ValidAfter || now >= auth.ValidBefore {
		return nil, ErrAuthorizationExpired
	}

	p, err := s.proposals.Get(ctx, auth.ProposalID, auth.OwnerAddress)
	if err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusApproved && p.Status != proposal.StatusExecuting {
		return nil, ErrNotAuthorizable
	}

	// 提交前先占住 submitted 状态，并发执行只有一路能真正上链。
	if err := s.store.Transition(ctx, auth.ID, StatusSigned, StatusSubmitted, now); err != nil {
		return nil, err
	}
	auth.Status = StatusSubmitted

	receipt, submitErr := s.submitter.Submit(ctx, auth.Clone())
	if submitErr != nil {
		s.log.Error("链上提交失败",
			"authorization_id", auth.ID,
			"proposal_id", auth.ProposalID,
			"error", submitErr,
		)
		return nil, xerrors.Wrap(CodeSubmissionFailed, submitErr, "submit authorization")
	}

	auth.TxHash = receipt.TxHash
	auth.UpdatedAt = s.now().Unix()
	if err := s.store.Update(ctx, auth); err != nil {
		return nil, err
	}

	s.log.Info("链上提交成功",
		"authorization_id", auth.ID,
		"proposal_id", auth.ProposalID,
		"tx_hash", receipt.TxHash,
		"block_number", receipt.BlockNumber,
	)
	return receipt, nil
}

// ProcessProposalPayment 将生成、签名与提交串成一次完整的支付。
// 自动执行与人工批准后的支付路径共用此入口。
func (s *Service) ProcessProposalPayment(ctx context.Context, proposalID, owner string) (*Receipt, error) {
	auth, err := s.GenerateAuthorization(ctx, proposalID, owner)
	if err != nil {
		return nil, err
	}
	if _, err := s.SignAuthorization(ctx, auth.ID, owner); err != nil {
		return nil, err
	}
	return s.ExecutePayment(ctx, auth.ID)
}

// Get 查询授权记录。
func (s *Service) Get(ctx context.Context, id string) (*Authorization, error) {
	return s.store.Get(ctx, id)
}

// GetByProposal 按提案查询授权记录。
func (s *Service) GetByProposal(ctx context.Context, proposalID string) (*Authorization, error) {
	return s.store.GetByProposal(ctx, proposalID)
}
