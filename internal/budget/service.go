package budget

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/pkg/logger"
)

// CreateInput 描述新建预算所需的字段。
type CreateInput struct {
	AgentID      string
	OwnerAddress string
	Amount       string
	Token        string
	ChainID      int64
	Period       Period
}

// UpdateInput 描述可被所有者修改的字段。nil 表示保持原值。
type UpdateInput struct {
	Amount *string
}

// Availability 是额度检查的结果。不可用时 Reason 给出机器可校验的原因。
type Availability struct {
	Available bool
	Budget    *Budget
	Reason    string
}

// Utilization 汇总一条预算的使用情况。
type Utilization struct {
	BudgetID   string  `json:"budget_id"`
	Amount     string  `json:"amount"`
	UsedAmount string  `json:"used_amount"`
	Remaining  string  `json:"remaining_amount"`
	Percent    float64 `json:"percent"`
}

// Service 管理预算额度的生命周期与扣减。
type Service struct {
	store Store
	log   *slog.Logger
	audit *slog.Logger
}

// NewService 构造预算服务实例。
func NewService(store Store) *Service {
	return &Service{
		store: store,
		log:   logger.Named("budget"),
		audit: logger.Audit(),
	}
}

// Create 新建一条预算。周期性预算的首个窗口从当前时间开始。
func (s *Service) Create(ctx context.Context, input CreateInput) (*Budget, error) {
	if strings.TrimSpace(input.AgentID) == "" {
		return nil, xerrors.New(CodeBudgetValidation, "agent id is required")
	}
	if strings.TrimSpace(input.OwnerAddress) == "" {
		return nil, xerrors.New(CodeBudgetValidation, "owner address is required")
	}
	if !money.IsPositive(input.Amount) {
		return nil, xerrors.New(CodeBudgetValidation, "amount must be a positive decimal string")
	}
	token := strings.ToUpper(strings.TrimSpace(input.Token))
	if token == "" {
		return nil, xerrors.New(CodeBudgetValidation, "token is required")
	}
	if !IsValidPeriod(input.Period) {
		return nil, xerrors.New(CodeBudgetValidation, "invalid budget period")
	}
	if input.ChainID < 0 {
		return nil, xerrors.New(CodeBudgetValidation, "chain id must not be negative")
	}

	now := time.Now()
	b := &Budget{
		ID:           uuid.NewString(),
		AgentID:      input.AgentID,
		OwnerAddress: strings.ToLower(input.OwnerAddress),
		Amount:       input.Amount,
		Token:        token,
		ChainID:      input.ChainID,
		Period:       input.Period,
		UsedAmount:   "0",
		CreatedAt:    now.Unix(),
		UpdatedAt:    now.Unix(),
	}
	if input.Period != PeriodTotal {
		b.PeriodStart = now.Unix()
		b.PeriodEnd = advancePeriod(now.UTC(), input.Period).Unix()
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	s.audit.Info("budget created",
		slog.String("budget_id", b.ID),
		slog.String("agent_id", b.AgentID),
		slog.String("amount", b.Amount),
		slog.String("token", b.Token),
		slog.String("period", string(b.Period)),
	)
	return b, nil
}

// Get 返回所有者名下的指定预算，读取时完成周期滚动。
func (s *Service) Get(ctx context.Context, id, owner string) (*Budget, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(b.OwnerAddress, owner) {
		return nil, ErrBudgetNotFound
	}
	return s.maybeRollover(ctx, b), nil
}

// List 返回智能体名下的全部预算，读取时完成周期滚动。
func (s *Service) List(ctx context.Context, agentID, owner string) ([]*Budget, error) {
	budgets, err := s.store.List(ctx, agentID)
	if err != nil {
		return nil, err
	}
	result := make([]*Budget, 0, len(budgets))
	for _, b := range budgets {
		if !strings.EqualFold(b.OwnerAddress, owner) {
			continue
		}
		result = append(result, s.maybeRollover(ctx, b))
	}
	return result, nil
}

// Update 修改预算额度。新额度不得低于当前已用金额。
func (s *Service) Update(ctx context.Context, id, owner string, input UpdateInput) (*Budget, error) {
	b, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if input.Amount != nil {
		if !money.IsPositive(*input.Amount) {
			return nil, xerrors.New(CodeBudgetValidation, "amount must be a positive decimal string")
		}
		cmp, err := money.Cmp(*input.Amount, b.UsedAmount)
		if err != nil {
			return nil, xerrors.Wrap(CodeBudgetValidation, err, "compare amount")
		}
		if cmp < 0 {
			return nil, xerrors.New(CodeBudgetValidation, "amount must not fall below used amount")
		}
		b.Amount = *input.Amount
	}
	b.UpdatedAt = time.Now().Unix()
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Delete 删除一条预算。删除由所有者显式发起。
func (s *Service) Delete(ctx context.Context, id, owner string) error {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.audit.Info("budget deleted",
		slog.String("budget_id", id),
		slog.String("owner", strings.ToLower(owner)),
	)
	return nil
}

// CheckAvailability 在智能体的预算中寻找能覆盖本次支付的额度。
// 没有匹配的预算或剩余不足时返回不可用及原因。
func (s *Service) CheckAvailability(ctx context.Context, agentID, amount, token string, chainID int64) (*Availability, error) {
	if !money.IsPositive(amount) {
		return nil, xerrors.New(CodeBudgetValidation, "amount must be a positive decimal string")
	}
	budgets, err := s.store.List(ctx, agentID)
	if err != nil {
		return nil, err
	}

	matched := false
	for _, b := range budgets {
		b = s.maybeRollover(ctx, b)
		if !b.Covers(token, chainID) {
			continue
		}
		matched = true
		cmp, err := money.Cmp(amount, b.Remaining())
		if err != nil {
			return nil, xerrors.Wrap(CodeBudgetValidation, err, "compare amount")
		}
		if cmp <= 0 {
			return &Availability{Available: true, Budget: b}, nil
		}
	}
	if matched {
		return &Availability{Reason: "insufficient budget"}, nil
	}
	return &Availability{Reason: "no budget found"}, nil
}

// Deduct 原子地从预算中扣减金额。额度不足时返回 ErrInsufficientBudget
// 且预算保持不变。
func (s *Service) Deduct(ctx context.Context, id, amount string) (*Budget, error) {
	if !money.IsPositive(amount) {
		return nil, xerrors.New(CodeBudgetValidation, "amount must be a positive decimal string")
	}
	b, err := s.store.Deduct(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	s.audit.Info("budget deducted",
		slog.String("budget_id", b.ID),
		slog.String("agent_id", b.AgentID),
		slog.String("amount", amount),
		slog.String("used_amount", b.UsedAmount),
	)
	return b, nil
}

// Utilization 汇总指定预算的使用率。
func (s *Service) Utilization(ctx context.Context, id, owner string) (*Utilization, error) {
	b, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	percent := 0.0
	total, err := money.Parse(b.Amount)
	if err == nil && total.Sign() > 0 {
		if used, perr := money.Parse(b.UsedAmount); perr == nil {
			ratio, _ := new(big.Rat).Quo(used, total).Float64()
			percent = ratio * 100
		}
	}
	return &Utilization{
		BudgetID:   b.ID,
		Amount:     b.Amount,
		UsedAmount: b.UsedAmount,
		Remaining:  b.Remaining(),
		Percent:    percent,
	}, nil
}

// maybeRollover 在读取路径上落实周期滚动并持久化，失败时仅记录日志，
// 返回内存中已滚动的副本。
func (s *Service) maybeRollover(ctx context.Context, b *Budget) *Budget {
	now := time.Now()
	if !b.needsRollover(now) {
		return b
	}
	b.rollover(now)
	if err := s.store.Update(ctx, b); err != nil {
		s.log.Warn("persist budget rollover failed",
			slog.String("budget_id", b.ID),
			slog.String("error", err.Error()),
		)
	}
	return b
}
