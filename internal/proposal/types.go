package proposal

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 表示支付提案在状态机中的位置。
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// legalTransitions 定义状态机允许的全部迁移。
// pending → approved → executing → executed；pending → rejected；
// executing → failed。其余一律拒绝且不产生任何变更。
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// CanTransition 判断从 from 到 to 的迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态。终态不可再迁移。
func IsTerminal(s Status) bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// 提案 metadata 的尺寸上限。
const (
	MaxMetadataKeys      = 32
	MaxMetadataValueSize = 256
	MaxBatchSize         = 100
)

// PaymentProposal 描述一次候选支付。提案只通过状态机变更，永不删除。
type PaymentProposal struct {
	ID               string            `json:"id"`
	AgentID          string            `json:"agent_id"`
	AgentName        string            `json:"agent_name"`
	OwnerAddress     string            `json:"owner_address"`
	RecipientAddress string            `json:"recipient_address"`
	Amount           string            `json:"amount"`
	Token            string            `json:"token"`
	ChainID          int64             `json:"chain_id"`
	Reason           string            `json:"reason"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	BudgetID         string            `json:"budget_id,omitempty"`
	Status           Status            `json:"status"`
	RejectionReason  string            `json:"rejection_reason,omitempty"`
	TxHash           string            `json:"tx_hash,omitempty"`
	ApprovedAt       int64             `json:"approved_at,omitempty"`
	ExecutedAt       int64             `json:"executed_at,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// Clone 返回提案的深拷贝。
func (p *PaymentProposal) Clone() *PaymentProposal {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Metadata != nil {
		clone.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// 统一错误码。
const (
	CodeProposalNotFound   xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeInvalidTransition  xerrors.Code = "INVALID_STATE_TRANSITION"
	CodeProposalValidation xerrors.Code = "PROPOSAL_VALIDATION_FAILED"
	CodeProposalConflict   xerrors.Code = "PROPOSAL_CONFLICT"
)

var (
	// ErrProposalNotFound 表示提案不存在。
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "proposal not found")
	// ErrInvalidTransition 表示请求的状态迁移不被状态机允许。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid state transition")
	// ErrProposalConflict 表示提案记录发生写冲突。
	ErrProposalConflict = xerrors.New(CodeProposalConflict, "proposal conflict")
)

func init() {
	xerrors.Register(CodeProposalNotFound, xerrors.Attributes{
		Message:  "proposal not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid state transition",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProposalValidation, xerrors.Attributes{
		Message:  "proposal validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProposalConflict, xerrors.Attributes{
		Message:  "proposal conflict",
		Severity: xerrors.SeverityWarning,
	})
}

// Mutation 描述一次状态迁移要写入的字段。零值字段不写入。
type Mutation struct {
	RejectionReason string
	TxHash          string
	ApprovedAt      int64
	ExecutedAt      int64
}

// Store 抽象提案的持久化接口。Transition 必须以前置状态为条件原子更新，
// 保证同一提案上的并发迁移被串行化。
type Store interface {
	Create(ctx context.Context, p *PaymentProposal) error
	CreateBatch(ctx context.Context, ps []*PaymentProposal) error
	Get(ctx context.Context, id string) (*PaymentProposal, error)
	List(ctx context.Context, opts ListOptions) ([]*PaymentProposal, error)
	PendingCount(ctx context.Context, owner string) (int64, error)
	Transition(ctx context.Context, id string, from, to Status, mut Mutation) (*PaymentProposal, error)
	Close() error
}
