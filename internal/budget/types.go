package budget

import (
	"context"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// Period 表示预算额度的统计周期。
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	// PeriodTotal 表示一次性总额度，永不滚动重置。
	PeriodTotal Period = "total"
)

// IsValidPeriod 检查周期是否为支持的枚举值。
func IsValidPeriod(p Period) bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodTotal:
		return true
	default:
		return false
	}
}

// Budget 描述一条支出额度记录。金额一律使用十进制字符串。
// chain_id 为零表示不限定链，覆盖任意链上的请求。
type Budget struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	OwnerAddress string `json:"owner_address"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
	ChainID      int64  `json:"chain_id,omitempty"`
	Period       Period `json:"period"`
	UsedAmount   string `json:"used_amount"`
	PeriodStart  int64  `json:"period_start,omitempty"`
	PeriodEnd    int64  `json:"period_end,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Clone 返回预算记录的拷贝。
func (b *Budget) Clone() *Budget {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// Remaining 返回剩余可用额度。
func (b *Budget) Remaining() string {
	remaining, err := money.Sub(b.Amount, b.UsedAmount)
	if err != nil {
		return "0"
	}
	return remaining
}

// Covers 判断预算是否覆盖给定的代币与链。代币匹配大小写不敏感，
// 指定了链的预算只覆盖完全相同的链。
func (b *Budget) Covers(token string, chainID int64) bool {
	if !strings.EqualFold(b.Token, token) {
		return false
	}
	if b.ChainID != 0 && b.ChainID != chainID {
		return false
	}
	return true
}

// needsRollover 判断周期性预算是否已越过当前周期终点。
func (b *Budget) needsRollover(now time.Time) bool {
	if b.Period == PeriodTotal || b.PeriodEnd == 0 {
		return false
	}
	return now.Unix() >= b.PeriodEnd
}

// rollover 以上一周期终点为锚点推进窗口并清零已用额度，
// 避免以当前时间为基准造成窗口漂移。
func (b *Budget) rollover(now time.Time) {
	if !b.needsRollover(now) {
		return
	}
	start := time.Unix(b.PeriodEnd, 0).UTC()
	end := advancePeriod(start, b.Period)
	for now.Unix() >= end.Unix() {
		start = end
		end = advancePeriod(start, b.Period)
	}
	b.PeriodStart = start.Unix()
	b.PeriodEnd = end.Unix()
	b.UsedAmount = "0"
	b.UpdatedAt = now.Unix()
}

// advancePeriod 返回从 start 起一个周期之后的时间点。
func advancePeriod(start time.Time, period Period) time.Time {
	switch period {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// 统一错误码。
const (
	CodeBudgetNotFound     xerrors.Code = "BUDGET_NOT_FOUND"
	CodeInsufficientBudget xerrors.Code = "INSUFFICIENT_BUDGET"
	CodeBudgetValidation   xerrors.Code = "BUDGET_VALIDATION_FAILED"
	CodeBudgetConflict     xerrors.Code = "BUDGET_CONFLICT"
)

var (
	// ErrBudgetNotFound 表示预算记录不存在。
	ErrBudgetNotFound = xerrors.New(CodeBudgetNotFound, "budget not found")
	// ErrInsufficientBudget 表示扣减金额超出剩余额度。
	ErrInsufficientBudget = xerrors.New(CodeInsufficientBudget, "insufficient budget")
	// ErrBudgetConflict 表示预算记录发生写冲突。
	ErrBudgetConflict = xerrors.New(CodeBudgetConflict, "budget conflict")
)

func init() {
	xerrors.Register(CodeBudgetNotFound, xerrors.Attributes{
		Message:  "budget not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientBudget, xerrors.Attributes{
		Message:  "insufficient budget",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBudgetValidation, xerrors.Attributes{
		Message:  "budget validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBudgetConflict, xerrors.Attributes{
		Message:  "budget conflict",
		Severity: xerrors.SeverityWarning,
	})
}

// Store 抽象预算记录的持久化接口。Deduct 必须保证并发扣减的原子性：
// 两个并发执行不得同时读到"额度充足"并把已用额度扣过上限。
type Store interface {
	Create(ctx context.Context, budget *Budget) error
	Get(ctx context.Context, id string) (*Budget, error)
	List(ctx context.Context, agentID string) ([]*Budget, error)
	Update(ctx context.Context, budget *Budget) error
	Delete(ctx context.Context, id string) error
	Deduct(ctx context.Context, id, amount string) (*Budget, error)
	Close() error
}
